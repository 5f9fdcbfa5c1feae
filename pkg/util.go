package protocol

import (
	"net"
	"net/netip"

	"github.com/sigurn/crc16"
)

var crc16Table = crc16.MakeTable(crc16.CRC16_BUYPASS)

// CRC16 is CRC-16/BUYPASS: polynomial 0x8005, MSB first, zero initial value
// and no final XOR.
func CRC16(data []byte) uint16 {
	return crc16.Checksum(data, crc16Table)
}

// portOf returns the UDP port of addr, or 0 when addr is not a UDP address.
func portOf(addr net.Addr) uint16 {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return uint16(a.Port)
	case nil:
		return 0
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return 0
	}
	return ap.Port()
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return false
	}
	return a.String() == b.String()
}

func formatAddr(addr net.Addr) string {
	if addr == nil {
		return "*"
	}
	return addr.String()
}
