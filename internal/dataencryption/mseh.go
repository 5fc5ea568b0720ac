// Package dataencryption provides the MSEH envelope format and DataEncryptionService.
//
// Wire format:
//
//	[4 bytes: 0x4D 0x53 0x45 0x48]  "MSEH" magic
//	[varint32: payload byte length]
//	[payload: version(4) | providerID(varint32-prefixed) | nonce(varint32-prefixed)]
//	[ciphertext bytes]
package dataencryption

import (
	"encoding/binary"
	"fmt"
	"io"
)

var magic = [4]byte{0x4D, 0x53, 0x45, 0x48} // "MSEH"

// Header is the decoded MSEH envelope header.
type Header struct {
	Version    uint32
	ProviderID string
	Nonce      []byte
}

// HasMagic reports whether b starts with the MSEH magic bytes.
func HasMagic(b []byte) bool {
	return len(b) >= 4 &&
		b[0] == magic[0] && b[1] == magic[1] && b[2] == magic[2] && b[3] == magic[3]
}

// WriteHeader encodes h as an MSEH envelope prefix and writes it to w.
func WriteHeader(w io.Writer, h Header) error {
	payload := encodeHeaderPayload(h)
	buf := make([]byte, 4+varintLen(uint32(len(payload)))+len(payload))
	copy(buf[:4], magic[:])
	n := putVarint32(buf[4:], uint32(len(payload)))
	copy(buf[4+n:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads the MSEH magic + varint + header payload from r.
// Returns (header, true, nil) on success, (nil, false, nil) if magic is absent,
// or (nil, true, err) on a read error after the magic has been confirmed present.
func ReadHeader(r io.Reader) (*Header, bool, error) {
	var mgc [4]byte
	if _, err := io.ReadFull(r, mgc[:]); err != nil {
		return nil, false, nil // not enough bytes — treat as no magic
	}
	if mgc != magic {
		return nil, false, nil
	}
	payloadLen, err := readVarint32(r)
	if err != nil {
		return nil, true, fmt.Errorf("mseh: reading payload length: %w", err)
	}
	// Guard against a crafted header advertising a huge payload length.
	// Current providers write: version uint32 + provider-ID string + 12-byte AES-GCM IV,
	// which is well under 64 bytes. 4 KiB is orders of magnitude above any legitimate value.
	const maxPayloadLen = 4096
	if payloadLen > maxPayloadLen {
		return nil, true, fmt.Errorf("mseh: payload length %d exceeds maximum %d", payloadLen, maxPayloadLen)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, true, fmt.Errorf("mseh: reading header payload: %w", err)
	}
	h, err := decodeHeaderPayload(payload)
	if err != nil {
		return nil, true, fmt.Errorf("mseh: decoding header: %w", err)
	}
	return h, true, nil
}

// encodeHeaderPayload lays out the header fields as:
// version (4 bytes, big-endian) | providerID (varint32 length + UTF-8 bytes) | nonce (varint32 length + bytes).
func encodeHeaderPayload(h Header) []byte {
	providerID := []byte(h.ProviderID)
	size := 4 + varintLen(uint32(len(providerID))) + len(providerID) +
		varintLen(uint32(len(h.Nonce))) + len(h.Nonce)
	buf := make([]byte, size)

	binary.BigEndian.PutUint32(buf[:4], h.Version)
	off := 4

	off += putVarint32(buf[off:], uint32(len(providerID)))
	off += copy(buf[off:], providerID)

	off += putVarint32(buf[off:], uint32(len(h.Nonce)))
	copy(buf[off:], h.Nonce)

	return buf
}

func decodeHeaderPayload(b []byte) (*Header, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("payload too short for version: %d bytes", len(b))
	}
	h := &Header{Version: binary.BigEndian.Uint32(b[:4])}
	off := 4

	providerLen, n, err := decodeVarint32(b[off:])
	if err != nil {
		return nil, fmt.Errorf("provider id length: %w", err)
	}
	off += n
	if off+int(providerLen) > len(b) {
		return nil, fmt.Errorf("provider id exceeds payload bounds")
	}
	h.ProviderID = string(b[off : off+int(providerLen)])
	off += int(providerLen)

	nonceLen, n, err := decodeVarint32(b[off:])
	if err != nil {
		return nil, fmt.Errorf("nonce length: %w", err)
	}
	off += n
	if off+int(nonceLen) > len(b) {
		return nil, fmt.Errorf("nonce exceeds payload bounds")
	}
	h.Nonce = append([]byte(nil), b[off:off+int(nonceLen)]...)

	return h, nil
}

// ── varint32 helpers ──

func putVarint32(b []byte, v uint32) int {
	n := 0
	for v >= 0x80 {
		b[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	b[n] = byte(v)
	return n + 1
}

func varintLen(v uint32) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func readVarint32(r io.Reader) (uint32, error) {
	var v uint32
	var buf [1]byte
	for i := range 5 {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		v |= uint32(buf[0]&0x7F) << (7 * uint(i))
		if buf[0]&0x80 == 0 {
			return v, nil
		}
	}
	return 0, fmt.Errorf("mseh: varint32 overflow")
}

// decodeVarint32 reads a varint32 from the start of b, returning the value
// and the number of bytes consumed.
func decodeVarint32(b []byte) (uint32, int, error) {
	var v uint32
	for i := 0; i < 5 && i < len(b); i++ {
		v |= uint32(b[i]&0x7F) << (7 * uint(i))
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("mseh: varint32 overflow or truncated")
}
