// Package testutil builds wire-format frames for tests.
package testutil

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

var (
	SrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	DstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	SrcIP  = net.IP{10, 0, 0, 1}
	DstIP  = net.IP{10, 0, 0, 2}
)

// Serialize encodes ls with lengths and checksums fixed up.
func Serialize(t testing.TB, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return append([]byte(nil), buf.Bytes()...)
}

func ethernet(t layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: SrcMAC, DstMAC: DstMAC, EthernetType: t}
}

func ipv4(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    SrcIP,
		DstIP:    DstIP,
	}
}

// ICMPFrame returns Ethernet + IPv4 (IHL=5) + ICMP echo request.
func ICMPFrame(t testing.TB) []byte {
	t.Helper()
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       7,
		Seq:      1,
	}
	return Serialize(t, ethernet(layers.EthernetTypeIPv4), ipv4(layers.IPProtocolICMPv4), icmp,
		gopacket.Payload([]byte("ping")))
}

// TCPFrame returns Ethernet + IPv4 (IHL=5) + TCP SYN with the given sequence
// number.
func TCPFrame(t testing.TB, seq uint32) []byte {
	t.Helper()
	ip := ipv4(layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 443, Seq: seq, SYN: true, Window: 65535}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return Serialize(t, ethernet(layers.EthernetTypeIPv4), ip, tcp)
}

// UDPFrame returns Ethernet + IPv4 (IHL=5) + UDP.
func UDPFrame(t testing.TB) []byte {
	t.Helper()
	ip := ipv4(layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: 5353, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return Serialize(t, ethernet(layers.EthernetTypeIPv4), ip, udp, gopacket.Payload([]byte("q")))
}

// IPv6Frame returns Ethernet + IPv6 with no next header.
func IPv6Frame(t testing.TB) []byte {
	t.Helper()
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolNoNextHeader,
		HopLimit:   64,
		SrcIP:      net.ParseIP("fe80::1"),
		DstIP:      net.ParseIP("fe80::2"),
	}
	return Serialize(t, ethernet(layers.EthernetTypeIPv6), ip, gopacket.Payload([]byte{0, 0, 0, 0}))
}

// ARPFrame returns an Ethernet ARP request.
func ARPFrame(t testing.TB) []byte {
	t.Helper()
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   SrcMAC,
		SourceProtAddress: SrcIP.To4(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    DstIP.To4(),
	}
	return Serialize(t, ethernet(layers.EthernetTypeARP), arp)
}

// WithIPOptions returns a copy of an Ethernet + IPv4 (IHL=5) frame with one
// 32-bit word of NOP options inserted, so IHL becomes 6.
func WithIPOptions(t testing.TB, frame []byte) []byte {
	t.Helper()
	const ipOff, optOff = 14, 34
	require.GreaterOrEqual(t, len(frame), optOff)
	require.Equal(t, byte(0x45), frame[ipOff])

	out := make([]byte, 0, len(frame)+4)
	out = append(out, frame[:optOff]...)
	out = append(out, 1, 1, 1, 1)
	out = append(out, frame[optOff:]...)
	out[ipOff] = 0x46
	total := int(out[ipOff+2])<<8 | int(out[ipOff+3])
	total += 4
	out[ipOff+2], out[ipOff+3] = byte(total>>8), byte(total)
	return out
}
