// Package tcpstack implements the TCP connection state machine of
// §4.7: the quad-keyed connection table, the three-way handshake,
// send/receive buffering with Nagle/delayed-ACK/retransmit timers, and
// the dynamic port pool.
package tcpstack

import "encoding/binary"

// Header flag bits (§6).
const (
	FlagFIN uint8 = 1 << 0
	FlagSYN uint8 = 1 << 1
	FlagRST uint8 = 1 << 2
	FlagPSH uint8 = 1 << 3
	FlagACK uint8 = 1 << 4
)

// HeaderLen is the standard RFC 793 header size in bytes (no options).
const HeaderLen = 20

// Header is the decoded form of the 20-byte RFC 793 TCP header.
type Header struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	Flags    uint8
	Window   uint16
	Checksum uint16
	UrgPtr   uint16
}

// Marshal encodes h into a 20-byte RFC 793 header with the data-offset
// nibble fixed at 5 words (no options).
func (h *Header) Marshal() [HeaderLen]byte {
	var b [HeaderLen]byte
	binary.BigEndian.PutUint16(b[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], h.DstPort)
	binary.BigEndian.PutUint32(b[4:8], h.Seq)
	binary.BigEndian.PutUint32(b[8:12], h.Ack)
	b[12] = 5 << 4 // data offset = 5 words, no options
	b[13] = h.Flags
	binary.BigEndian.PutUint16(b[14:16], h.Window)
	binary.BigEndian.PutUint16(b[16:18], h.Checksum)
	binary.BigEndian.PutUint16(b[18:20], h.UrgPtr)
	return b
}

// UnmarshalHeader decodes a 20-byte RFC 793 header (ignoring any options
// past the fixed 20 bytes).
func UnmarshalHeader(b []byte) Header {
	return Header{
		SrcPort: binary.BigEndian.Uint16(b[0:2]),
		DstPort: binary.BigEndian.Uint16(b[2:4]),
		Seq:     binary.BigEndian.Uint32(b[4:8]),
		Ack:     binary.BigEndian.Uint32(b[8:12]),
		Flags:   b[13],
		Window:  binary.BigEndian.Uint16(b[14:16]),
		Checksum: binary.BigEndian.Uint16(b[16:18]),
		UrgPtr:   binary.BigEndian.Uint16(b[18:20]),
	}
}

// pseudoHeader is the IPv4 TCP pseudo-header used in checksum
// computation.
type pseudoHeader struct {
	SrcIP, DstIP [4]byte
	Zero         uint8
	Proto        uint8
	TCPLength    uint16
}

// Checksum computes the standard one's-complement checksum over the
// pseudo-header, header, and payload, with a final odd-byte pad of
// b<<8 (§6).
func Checksum(srcIP, dstIP [4]byte, headerAndPayload []byte) uint16 {
	var sum uint32
	ph := pseudoHeader{SrcIP: srcIP, DstIP: dstIP, Proto: 6, TCPLength: uint16(len(headerAndPayload))}
	var phBuf [12]byte
	copy(phBuf[0:4], ph.SrcIP[:])
	copy(phBuf[4:8], ph.DstIP[:])
	phBuf[8] = 0
	phBuf[9] = ph.Proto
	binary.BigEndian.PutUint16(phBuf[10:12], ph.TCPLength)

	sum += sumBytes(phBuf[:])
	sum += sumBytes(headerAndPayload)

	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

func sumBytes(b []byte) uint32 {
	var sum uint32
	i := 0
	for ; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if i < len(b) {
		sum += uint32(b[i]) << 8
	}
	return sum
}
