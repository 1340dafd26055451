package classifier

import "encoding/binary"

// Accumulate adds b to sum as a sequence of big-endian 16-bit words. A
// trailing odd byte is padded with zero.
func Accumulate(b []byte, sum uint64) uint64 {
	n := len(b) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint64(binary.BigEndian.Uint16(b[i:]))
	}
	if len(b)&1 == 1 {
		sum += uint64(b[len(b)-1]) << 8
	}
	return sum
}

// Fold reduces a 64-bit accumulator to a 16-bit one's-complement checksum.
// It performs a fixed four carry rounds, which settles any sum of packet-sized
// input.
func Fold(sum uint64) uint16 {
	for i := 0; i < 4; i++ {
		if sum>>16 != 0 {
			sum = (sum & 0xffff) + (sum >> 16)
		}
	}
	return ^uint16(sum)
}

// SetIPv4Checksum recomputes the header checksum of hdr from scratch and
// writes it into the checksum field. Nothing else in hdr is modified.
func SetIPv4Checksum(hdr IPv4) (uint16, error) {
	if len(hdr) < IPv4MinimumSize {
		return 0, ErrTruncated
	}
	n := hdr.HeaderLength()
	if n < IPv4MinimumSize || n > len(hdr) {
		return 0, ErrTruncated
	}
	hdr.SetChecksum(0)
	csum := Fold(Accumulate(hdr[:n], 0))
	hdr.SetChecksum(csum)
	return csum, nil
}
