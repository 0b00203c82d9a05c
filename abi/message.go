package abi

import "encoding/binary"

// HeaderSize is the on-the-wire size of a message header, in bytes.
// offset 0: u32 checksum, 4: i32 sender, 8: i32 reply_port, 12: u32 code,
// 16: u32 len.
const HeaderSize = 20

// Message_t is the in-memory representation of a port message. Data holds
// exactly Len bytes of payload; the kernel never retains a reference to the
// caller's buffer past the copy that produces a Message_t.
type Message_t struct {
	Checksum uint32
	Sender   Pid_t
	ReplyPort Port_t
	Code     uint32
	Len      uint32
	Data     []byte
}

// sdbm computes the rolling hash h = byte + (h<<6) + (h<<16) - h, seeded at
// zero, over b. This is the checksum algorithm fixed by the wire format
// (spec.md §6); it is not a cryptographic hash and must not be treated as
// one.
func sdbm(seed uint32, b []byte) uint32 {
	h := seed
	for _, c := range b {
		h = uint32(c) + (h << 6) + (h << 16) - h
	}
	return h
}

// Checksum32 computes the checksum of m over (sender, reply_port, code, len,
// data), in declaration order, matching the wire layout starting at offset 4.
func (m *Message_t) Checksum32() uint32 {
	var hdr [HeaderSize - 4]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(m.Sender))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(m.ReplyPort))
	binary.LittleEndian.PutUint32(hdr[8:12], m.Code)
	binary.LittleEndian.PutUint32(hdr[12:16], m.Len)
	h := sdbm(0, hdr[:])
	return sdbm(h, m.Data)
}

// Verify reports whether m's stored Checksum matches Checksum32().
func (m *Message_t) Verify() bool {
	return m.Checksum == m.Checksum32()
}

// Stamp recomputes and stores the checksum. Called by the kernel after it
// overwrites Sender with the true sender pid (spec.md §3, Message lifecycle).
func (m *Message_t) Stamp() {
	m.Checksum = m.Checksum32()
}

// WireSize is the total on-the-wire size of m: header plus payload.
func (m *Message_t) WireSize() int {
	return HeaderSize + int(m.Len)
}

// Marshal encodes m into its packed little-endian wire representation.
func (m *Message_t) Marshal() []byte {
	buf := make([]byte, m.WireSize())
	binary.LittleEndian.PutUint32(buf[0:4], m.Checksum)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(m.Sender))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(m.ReplyPort))
	binary.LittleEndian.PutUint32(buf[12:16], m.Code)
	binary.LittleEndian.PutUint32(buf[16:20], m.Len)
	copy(buf[20:], m.Data)
	return buf
}

// Unmarshal decodes a packed wire-format message from buf. It returns
// a negative Err_t (-1) if buf is shorter than the header declares.
func Unmarshal(buf []byte) (*Message_t, Err_t) {
	if len(buf) < HeaderSize {
		return nil, -1
	}
	m := &Message_t{
		Checksum:  binary.LittleEndian.Uint32(buf[0:4]),
		Sender:    Pid_t(binary.LittleEndian.Uint32(buf[4:8])),
		ReplyPort: Port_t(binary.LittleEndian.Uint32(buf[8:12])),
		Code:      binary.LittleEndian.Uint32(buf[12:16]),
		Len:       binary.LittleEndian.Uint32(buf[16:20]),
	}
	end := HeaderSize + int(m.Len)
	if len(buf) < end {
		return nil, -1
	}
	m.Data = append([]byte(nil), buf[HeaderSize:end]...)
	return m, 0
}
