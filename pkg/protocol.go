package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
)

const (
	HeaderLen      = 18  // seq, ack, three flag bytes, reserved, length, window, checksum
	MaxPayloadSize = 532 // 576 - IP header - UDP header - our header, rounded down
	MaxFrameSize   = 556 // receive buffer size; anything longer is rejected as corrupt
)

var (
	// ErrCorrupt is returned by Unmarshal when a datagram fails the length or
	// checksum check. The ingress queue drops these silently.
	ErrCorrupt = errors.New("corrupt frame")
	// ErrOversize is returned by Marshal when the payload exceeds MaxPayloadSize.
	ErrOversize = errors.New("payload exceeds segment size")
)

// Frame is the unit exchanged on the wire.
type Frame struct {
	Seq     seqnum.Value
	Ack     seqnum.Value
	Flags   uint8 // header.TCPFlagAck | header.TCPFlagSyn | header.TCPFlagFin
	Window  uint16
	Payload []byte
}

func (f *Frame) Has(flag uint8) bool { return f.Flags&flag != 0 }

func (f *Frame) Len() int { return len(f.Payload) }

// End is the sequence number immediately after this frame's payload.
func (f *Frame) End() seqnum.Value { return f.Seq.Add(seqnum.Size(len(f.Payload))) }

func (f Frame) String() string {
	var names []string
	if f.Has(header.TCPFlagAck) {
		names = append(names, "ACK")
	}
	if f.Has(header.TCPFlagSyn) {
		names = append(names, "SYN")
	}
	if f.Has(header.TCPFlagFin) {
		names = append(names, "FIN")
	}
	return fmt.Sprintf("[%s seq:%d ack:%d len:%d wnd:%d]",
		strings.Join(names, "|"), f.Seq, f.Ack, len(f.Payload), f.Window)
}

// Marshal serializes the frame. srcPort is the UDP port the datagram will be
// sent from; it is mixed into the checksum so the receiver must use the
// datagram's observed source port to verify it.
//
//	0       4 seq
//	4       4 ack
//	8       1 ACK (bit 0)
//	9       1 SYN (bit 0)
//	10      1 FIN (bit 0)
//	11      1 reserved
//	12      2 payload length
//	14      2 window
//	16      2 checksum
//	18      N payload
func (f *Frame) Marshal(srcPort uint16) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, errors.Wrapf(ErrOversize, "%d bytes", len(f.Payload))
	}
	buf := make([]byte, HeaderLen+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(f.Seq))
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.Ack))
	buf[8] = flagBit(f.Flags, header.TCPFlagAck)
	buf[9] = flagBit(f.Flags, header.TCPFlagSyn)
	buf[10] = flagBit(f.Flags, header.TCPFlagFin)
	binary.BigEndian.PutUint16(buf[12:14], uint16(len(f.Payload)))
	binary.BigEndian.PutUint16(buf[14:16], f.Window)
	binary.BigEndian.PutUint16(buf[16:18], frameChecksum(f, srcPort))
	copy(buf[HeaderLen:], f.Payload)
	return buf, nil
}

// Unmarshal parses the first n bytes of data into f. Any flag combination is
// accepted; only a length mismatch, nonzero reserved bits or a checksum
// mismatch are rejected, all with ErrCorrupt.
func (f *Frame) Unmarshal(data []byte, n int, srcPort uint16) error {
	if n < HeaderLen || n > len(data) {
		return errors.Wrapf(ErrCorrupt, "datagram of %d bytes", n)
	}
	length := int(binary.BigEndian.Uint16(data[12:14]))
	if length > MaxPayloadSize || HeaderLen+length != n {
		return errors.Wrapf(ErrCorrupt, "declared length %d, datagram %d", length, n)
	}
	if data[8]&^1 != 0 || data[9]&^1 != 0 || data[10]&^1 != 0 || data[11] != 0 {
		return errors.Wrap(ErrCorrupt, "reserved bits set")
	}

	var flags uint8
	if data[8] != 0 {
		flags |= header.TCPFlagAck
	}
	if data[9] != 0 {
		flags |= header.TCPFlagSyn
	}
	if data[10] != 0 {
		flags |= header.TCPFlagFin
	}
	parsed := Frame{
		Seq:    seqnum.Value(binary.BigEndian.Uint32(data[0:4])),
		Ack:    seqnum.Value(binary.BigEndian.Uint32(data[4:8])),
		Flags:  flags,
		Window: binary.BigEndian.Uint16(data[14:16]),
	}
	if length > 0 {
		parsed.Payload = make([]byte, length)
		copy(parsed.Payload, data[HeaderLen:n])
	}

	want := binary.BigEndian.Uint16(data[16:18])
	if got := frameChecksum(&parsed, srcPort); got != want {
		return errors.Wrapf(ErrCorrupt, "checksum %#04x, computed %#04x", want, got)
	}
	*f = parsed
	return nil
}

func flagBit(flags, flag uint8) byte {
	if flags&flag != 0 {
		return 1
	}
	return 0
}

// frameChecksum is the CRC16 of the payload XORed with a hash of the header
// fields and the sender's source port. The 32-bit hash is folded to 16 bits so
// the upper halves of seq, ack and the shifted window are covered too.
func frameChecksum(f *Frame, srcPort uint16) uint16 {
	crc := CRC16(f.Payload)

	hash := uint32(f.Seq) ^ uint32(f.Ack)
	for _, flag := range []uint8{header.TCPFlagAck, header.TCPFlagFin, header.TCPFlagSyn} {
		if f.Has(flag) {
			hash++
		}
	}
	hash ^= uint32(f.Window) << 16
	hash ^= uint32(srcPort)
	return crc ^ uint16(hash) ^ uint16(hash>>16)
}
