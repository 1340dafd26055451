package classifier

import (
	"encoding/binary"
	"errors"
)

// Ethernet frame layout, without preamble/SFD/FCS (handled by hardware):
//
//	+-----------+-----------+----------+---------
//	| dest(6B)  | src(6B)   | type(2B) | payload
//	+-----------+-----------+----------+---------
const (
	ethDst  = 0
	ethSrc  = 6
	ethType = 12

	// EthernetMinimumSize is the size of an untagged Ethernet header.
	EthernetMinimumSize = 14
	// EthernetAddressSize is the size of a MAC address.
	EthernetAddressSize = 6
)

// IPv4 header field offsets.
const (
	ipVerIHL   = 0
	ipTotalLen = 2
	ipProtocol = 9
	ipChecksum = 10
	ipSrcAddr  = 12
	ipDstAddr  = 16

	// IPv4MinimumSize is the size of an IPv4 header without options.
	IPv4MinimumSize = 20
	// IPv4MinimumIHL is the header length, in 32-bit words, of a header
	// without options.
	IPv4MinimumIHL = 5
)

// TCP header field offsets.
const (
	tcpSrcPort = 0
	tcpDstPort = 2
	tcpSeqNum  = 4

	// TCPMinimumSize is the size of a TCP header without options.
	TCPMinimumSize = 20
)

// Protocol identifiers.
const (
	EtherTypeIPv4 uint16 = 0x0800

	ProtocolICMP uint8 = 1
	ProtocolTCP  uint8 = 6
	ProtocolUDP  uint8 = 17
)

var (
	// ErrTruncated means the frame ends before a header that must be read.
	ErrTruncated = errors.New("classifier: truncated header")
	// ErrIPOptions means the IPv4 header carries options (IHL != 5).
	ErrIPOptions = errors.New("classifier: ipv4 options present")
)

// Ethernet is an Ethernet header stored in a byte slice of at least
// EthernetMinimumSize bytes.
type Ethernet []byte

// Type returns the ethertype in host order.
func (b Ethernet) Type() uint16 {
	return binary.BigEndian.Uint16(b[ethType:])
}

// SourceAddress returns the source MAC address.
func (b Ethernet) SourceAddress() [EthernetAddressSize]byte {
	var a [EthernetAddressSize]byte
	copy(a[:], b[ethSrc:ethSrc+EthernetAddressSize])
	return a
}

// DestinationAddress returns the destination MAC address.
func (b Ethernet) DestinationAddress() [EthernetAddressSize]byte {
	var a [EthernetAddressSize]byte
	copy(a[:], b[ethDst:ethDst+EthernetAddressSize])
	return a
}

// IPv4 is an IPv4 header stored in a byte slice of at least IPv4MinimumSize
// bytes.
type IPv4 []byte

// IHL returns the header length field, in 32-bit words.
func (b IPv4) IHL() uint8 {
	return b[ipVerIHL] & 0x0f
}

// HeaderLength returns the header length in bytes.
func (b IPv4) HeaderLength() int {
	return int(b.IHL()) * 4
}

// TotalLength returns the declared datagram length.
func (b IPv4) TotalLength() uint16 {
	return binary.BigEndian.Uint16(b[ipTotalLen:])
}

// Protocol returns the transport protocol number.
func (b IPv4) Protocol() uint8 {
	return b[ipProtocol]
}

// Checksum returns the header checksum field.
func (b IPv4) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[ipChecksum:])
}

// SetChecksum overwrites the header checksum field.
func (b IPv4) SetChecksum(v uint16) {
	binary.BigEndian.PutUint16(b[ipChecksum:], v)
}

// SourceAddress returns the source address.
func (b IPv4) SourceAddress() [4]byte {
	var a [4]byte
	copy(a[:], b[ipSrcAddr:ipSrcAddr+4])
	return a
}

// DestinationAddress returns the destination address.
func (b IPv4) DestinationAddress() [4]byte {
	var a [4]byte
	copy(a[:], b[ipDstAddr:ipDstAddr+4])
	return a
}

// TCP is a TCP header stored in a byte slice of at least TCPMinimumSize bytes.
type TCP []byte

// SourcePort returns the source port.
func (b TCP) SourcePort() uint16 {
	return binary.BigEndian.Uint16(b[tcpSrcPort:])
}

// DestinationPort returns the destination port.
func (b TCP) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(b[tcpDstPort:])
}

// SequenceNumber returns the sequence number.
func (b TCP) SequenceNumber() uint32 {
	return binary.BigEndian.Uint32(b[tcpSeqNum:])
}

// PacketMeta is the metadata extracted from one frame. It lives for a single
// Classify call.
type PacketMeta struct {
	// Src and Dst hold IPv4 addresses. Src6 and Dst6 are reserved for IPv6
	// and are never populated.
	Src, Dst   [4]byte
	Src6, Dst6 [16]byte

	// Ports holds the source and destination transport ports.
	Ports [2]uint16

	L3Proto uint16
	L4Proto uint8

	// TotalLen is the datagram length declared by the IP header.
	TotalLen uint16
	// FrameLen is the number of bytes in the frame.
	FrameLen int
	// Seq is the transport sequence number, when a TCP header was parsed.
	Seq uint32
}

// ParseEthernet reads the Ethernet header at off and records the ethertype.
// It returns the offset just past the header.
func ParseEthernet(frame []byte, off int, m *PacketMeta) (int, error) {
	if off < 0 || len(frame)-off < EthernetMinimumSize {
		return off, ErrTruncated
	}
	eth := Ethernet(frame[off : off+EthernetMinimumSize])
	m.L3Proto = eth.Type()
	return off + EthernetMinimumSize, nil
}

// ParseIPv4 reads an option-less IPv4 header at off. A short frame yields
// ErrTruncated; a header with options yields ErrIPOptions and leaves m
// untouched.
func ParseIPv4(frame []byte, off int, m *PacketMeta) (int, error) {
	if off < 0 || len(frame)-off < IPv4MinimumSize {
		return off, ErrTruncated
	}
	ip := IPv4(frame[off : off+IPv4MinimumSize])
	if ip.IHL() != IPv4MinimumIHL {
		return off, ErrIPOptions
	}
	m.Src = ip.SourceAddress()
	m.Dst = ip.DestinationAddress()
	m.L4Proto = ip.Protocol()
	m.TotalLen = ip.TotalLength()
	return off + IPv4MinimumSize, nil
}

// ParseTCP reads the fixed part of a TCP header at off, recording ports and
// the sequence number. Options are not inspected.
func ParseTCP(frame []byte, off int, m *PacketMeta) (int, error) {
	if off < 0 || len(frame)-off < TCPMinimumSize {
		return off, ErrTruncated
	}
	tcp := TCP(frame[off : off+TCPMinimumSize])
	m.Ports[0] = tcp.SourcePort()
	m.Ports[1] = tcp.DestinationPort()
	m.Seq = tcp.SequenceNumber()
	return off + TCPMinimumSize, nil
}
