// Package dek registers the "dek" AES-256-GCM encryption provider used for
// the episodic memory value/attribute ciphertext and (when a DEKRecord layer
// is not configured) the conversation entry ciphertext directly. Ciphertext
// is wrapped in an MSEH envelope so the same bytes round-trip across the
// Go service and any interoperating client library.
package dek

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/agentcore/memoryd/internal/config"
	"github.com/agentcore/memoryd/internal/dataencryption"
	"github.com/agentcore/memoryd/internal/registry/encrypt"
)

func init() {
	encrypt.Register(encrypt.Plugin{
		Name: "dek",
		Loader: func(_ context.Context, cfg *config.Config) (encrypt.Provider, error) {
			// EncryptionKey is CSV: first entry is the active key used for new
			// writes, subsequent entries are retired keys kept only so old
			// ciphertext minted under them still decrypts (§4.F key rotation).
			ring, err := newKeyRing(cfg.EncryptionKey)
			if err != nil {
				return nil, fmt.Errorf("dek provider: %w", err)
			}
			return &dekProvider{ring: ring, cfg: cfg}, nil
		},
	})
}

// keyRing orders the configured AES-256 keys from active (index 0, used to
// encrypt) to oldest retired key (tried last on decrypt).
type keyRing struct {
	keys [][]byte
}

func newKeyRing(csv string) (*keyRing, error) {
	keys, err := config.DecodeEncryptionKeysCSV(csv)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("MEMORY_SERVICE_ENCRYPTION_DEK_KEY is required")
	}
	return &keyRing{keys: keys}, nil
}

func (r *keyRing) active() []byte { return r.keys[0] }

// open tries every key newest-first and reports which ring position (0 =
// active) actually opened the payload, so a caller can flag ciphertext that
// is still encrypted under a retired key and due for re-encryption.
func (r *keyRing) open(iv, payload []byte) (plain []byte, keyIndex int, err error) {
	var lastErr error
	for i, key := range r.keys {
		gcm, gerr := newGCM(key)
		if gerr != nil {
			lastErr = gerr
			continue
		}
		plain, err = gcm.Open(nil, iv, payload, nil)
		if err == nil {
			return plain, i, nil
		}
		lastErr = err
	}
	return nil, -1, fmt.Errorf("decryption failed with all %d ring keys: %w", len(r.keys), lastErr)
}

type dekProvider struct {
	ring *keyRing
	cfg  *config.Config
}

func (p *dekProvider) ID() string { return "dek" }

// UsesRetiredKey reports whether ciphertext decrypted under anything but the
// active ring key, signalling that it should be re-encrypted on next write.
func (p *dekProvider) UsesRetiredKey(ciphertext []byte) (bool, error) {
	if !dataencryption.HasMagic(ciphertext) {
		return false, fmt.Errorf("dek: expected MSEH envelope")
	}
	r := bytes.NewReader(ciphertext)
	h, _, err := dataencryption.ReadHeader(r)
	if err != nil {
		return false, err
	}
	payload := make([]byte, r.Len())
	if _, err := io.ReadFull(r, payload); err != nil {
		return false, fmt.Errorf("dek: reading ciphertext payload: %w", err)
	}
	_, keyIndex, err := p.ring.open(h.Nonce, payload)
	if err != nil {
		return false, err
	}
	return keyIndex != 0, nil
}

// Encrypt encrypts plaintext with AES-256-GCM and wraps it in an MSEH envelope.
func (p *dekProvider) Encrypt(plaintext []byte) ([]byte, error) {
	iv, err := randomIV()
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(p.ring.active())
	if err != nil {
		return nil, err
	}
	ciphertext := gcm.Seal(nil, iv, plaintext, nil)

	var buf bytes.Buffer
	if err := dataencryption.WriteHeader(&buf, dataencryption.Header{
		Version:    1,
		ProviderID: "dek",
		Nonce:      iv,
	}); err != nil {
		return nil, err
	}
	buf.Write(ciphertext)
	return buf.Bytes(), nil
}

// Decrypt decrypts an MSEH-wrapped ciphertext produced by Encrypt.
func (p *dekProvider) Decrypt(ciphertext []byte) ([]byte, error) {
	if !dataencryption.HasMagic(ciphertext) {
		return nil, fmt.Errorf("dek: expected MSEH envelope")
	}
	return p.decryptMSEH(ciphertext)
}

func (p *dekProvider) decryptMSEH(ciphertext []byte) ([]byte, error) {
	r := bytes.NewReader(ciphertext)
	h, _, err := dataencryption.ReadHeader(r)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, r.Len())
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("dek: reading ciphertext payload: %w", err)
	}
	plain, _, err := p.ring.open(h.Nonce, payload)
	return plain, err
}

// EncryptStream writes the MSEH header immediately (IV is pre-generated), then
// returns a WriteCloser that buffers plaintext and seals it on Close.
// AES-GCM requires all plaintext before computing the auth tag, so buffering is
// unavoidable — this matches Java's CipherOutputStream behaviour.
func (p *dekProvider) EncryptStream(dst io.Writer) (io.WriteCloser, error) {
	iv, err := randomIV()
	if err != nil {
		return nil, err
	}
	// Write MSEH header up-front so the receiver can start streaming.
	if err := dataencryption.WriteHeader(dst, dataencryption.Header{
		Version:    1,
		ProviderID: "dek",
		Nonce:      iv,
	}); err != nil {
		return nil, err
	}
	return &gcmEncryptWriter{
		dst: dst,
		key: p.ring.active(),
		iv:  iv,
	}, nil
}

// DecryptStream reads ciphertext from src (already positioned after the MSEH header)
// and returns a Reader over the decrypted plaintext.
func (p *dekProvider) DecryptStream(src io.Reader, header *encrypt.Header) (io.Reader, error) {
	if header == nil {
		return nil, fmt.Errorf("dek: DecryptStream requires a parsed MSEH header")
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("dek: reading ciphertext stream: %w", err)
	}
	plain, _, err := p.ring.open(header.Nonce, data)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(plain), nil
}

// AttachmentSigningKeys returns HKDF-derived signing keys for attachment download
// URL token signing (primary first, then legacy rotation keys).
func (p *dekProvider) AttachmentSigningKeys(_ context.Context) ([][]byte, error) {
	return p.cfg.AttachmentSigningKeys()
}

// ── helpers ───────────────────────────────────────────────────────────────────

func randomIV() ([]byte, error) {
	iv := make([]byte, 12)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("dek: generating nonce: %w", err)
	}
	return iv, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("dek: AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("dek: GCM: %w", err)
	}
	return gcm, nil
}

// AESGCMSeal encrypts plaintext with AES-256-GCM using key and a random IV.
// Returns (iv, ciphertext, error). Exported for use by KEK-backed providers.
func AESGCMSeal(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	iv, err = randomIV()
	if err != nil {
		return nil, nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	return iv, gcm.Seal(nil, iv, plaintext, nil), nil
}

// AESGCMOpen decrypts ciphertext (with appended GCM tag) using key and iv.
// Exported for use by KEK-backed providers.
func AESGCMOpen(key, iv, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("dek: AES-GCM open: %w", err)
	}
	return plain, nil
}

// NewGCMEncryptWriter returns a WriteCloser that buffers plaintext and seals it
// with AES-GCM using key+iv on Close, writing the ciphertext to dst.
// The MSEH header must already have been written to dst before calling this.
// Exported for use by KEK-backed providers.
func NewGCMEncryptWriter(dst io.Writer, key, iv []byte) io.WriteCloser {
	return &gcmEncryptWriter{dst: dst, key: key, iv: iv}
}

// gcmEncryptWriter buffers plaintext and seals it with AES-GCM on Close.
// The MSEH header is already written to dst by EncryptStream before this is returned.
type gcmEncryptWriter struct {
	dst  io.Writer
	key  []byte
	iv   []byte
	buf  bytes.Buffer
	done bool
}

func (w *gcmEncryptWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *gcmEncryptWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	gcm, err := newGCM(w.key)
	if err != nil {
		return err
	}
	ciphertext := gcm.Seal(nil, w.iv, w.buf.Bytes(), nil)
	_, err = w.dst.Write(ciphertext)
	return err
}
