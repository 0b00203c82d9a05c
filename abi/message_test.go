package abi

import "testing"

func TestChecksumStableRoundTrip(t *testing.T) {
	m := &Message_t{Sender: 3, ReplyPort: 40, Code: 1, Len: 6, Data: []byte("hello\x00")}
	m.Stamp()
	wire := m.Marshal()
	back, errc := Unmarshal(wire)
	if errc != 0 {
		t.Fatalf("unmarshal failed: %d", errc)
	}
	if !back.Verify() {
		t.Fatalf("checksum did not survive round trip")
	}
	if back.Checksum != m.Checksum {
		t.Fatalf("checksum mismatch: %x vs %x", back.Checksum, m.Checksum)
	}
}

func TestChecksumDetectsBitFlip(t *testing.T) {
	m := &Message_t{Sender: 1, ReplyPort: 2, Code: 3, Len: 4, Data: []byte("abcd")}
	m.Stamp()
	wire := m.Marshal()

	for i := 0; i < len(wire); i++ {
		corrupt := append([]byte(nil), wire...)
		corrupt[i] ^= 0x01
		back, errc := Unmarshal(corrupt)
		if errc != 0 {
			// a flipped length byte can make the buffer look truncated;
			// that is still "detected corruption", just via a different path.
			continue
		}
		if back.Verify() && back.Checksum == m.Checksum {
			t.Fatalf("bit flip at byte %d was not detected", i)
		}
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	if _, errc := Unmarshal(make([]byte, HeaderSize-1)); errc == 0 {
		t.Fatalf("expected truncation error")
	}
	m := &Message_t{Len: 10}
	m.Stamp()
	wire := m.Marshal()
	if _, errc := Unmarshal(wire[:HeaderSize+3]); errc == 0 {
		t.Fatalf("expected truncation error for short payload")
	}
}
