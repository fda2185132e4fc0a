package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"strconv"
	"strings"
)

// HashSize is the length of a hex encoded SHA-256 hash.
const HashSize = sha256.Size * 2

var ErrInvalid = errors.New("invalid digest")

// Digest identifies a blob by its SHA-256 hash and size in bytes.
// Two blobs with equal digests are treated as byte-identical.
type Digest struct {
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"size_bytes"`
}

// Empty is the digest of the zero-length blob.
var Empty = OfBytes(nil)

func OfBytes(b []byte) Digest {
	sum := sha256.Sum256(b)
	return Digest{Hash: hex.EncodeToString(sum[:]), SizeBytes: int64(len(b))}
}

// OfReader hashes everything read from r.
func OfReader(r io.Reader) (Digest, error) {
	h := NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	return h.Digest(), nil
}

// Hasher accumulates a digest incrementally.
type Hasher struct {
	h    hash.Hash
	size int64
}

func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	n, err := h.h.Write(p)
	h.size += int64(n)
	return n, err
}

func (h *Hasher) Digest() Digest {
	return Digest{Hash: hex.EncodeToString(h.h.Sum(nil)), SizeBytes: h.size}
}

func (d Digest) IsZero() bool {
	return d.Hash == "" && d.SizeBytes == 0
}

func (d Digest) String() string {
	return d.Hash + "/" + strconv.FormatInt(d.SizeBytes, 10)
}

func (d Digest) Validate() error {
	if len(d.Hash) != HashSize {
		return fmt.Errorf("%w: hash %q has length %d", ErrInvalid, d.Hash, len(d.Hash))
	}
	if _, err := hex.DecodeString(d.Hash); err != nil {
		return fmt.Errorf("%w: hash %q is not hex", ErrInvalid, d.Hash)
	}
	if d.SizeBytes < 0 {
		return fmt.Errorf("%w: negative size %d", ErrInvalid, d.SizeBytes)
	}
	return nil
}

// Parse reads the "<hash>/<size>" form produced by String.
func Parse(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	hashPart, sizePart, ok := strings.Cut(s, "/")
	if !ok {
		return Digest{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	size, err := strconv.ParseInt(sizePart, 10, 64)
	if err != nil {
		return Digest{}, fmt.Errorf("%w: size in %q: %v", ErrInvalid, s, err)
	}
	d := Digest{Hash: strings.ToLower(hashPart), SizeBytes: size}
	if err := d.Validate(); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// Verify reports whether data matches d.
func (d Digest) Verify(data []byte) error {
	got := OfBytes(data)
	if got != d {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalid, d, got)
	}
	return nil
}
