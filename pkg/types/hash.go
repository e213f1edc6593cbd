package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// HashSize is the length in bytes of a ContentHash.
const HashSize = 32

// ContentHash is a BLAKE3 digest of a file's bytes. It is the primary key
// of the content-addressable store; equal hashes are treated as equal content.
type ContentHash [HashSize]byte

// ZeroHash is the zero value, never produced by hashing.
var ZeroHash ContentHash

// ErrInvalidHash is returned for a hash that cannot be decoded.
var ErrInvalidHash = errors.New("invalid content hash")

// HashBytes returns the content hash of data.
func HashBytes(data []byte) ContentHash {
	return ContentHash(blake3.Sum256(data))
}

// HashReader hashes everything read from r and returns the digest and the
// number of bytes consumed.
func HashReader(r io.Reader) (ContentHash, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return ZeroHash, n, err
	}
	var out ContentHash
	copy(out[:], h.Sum(nil))
	return out, n, nil
}

// HashFromBytes converts a wire byte string into a ContentHash. A byte
// string of the wrong length is rejected rather than padded or truncated.
func HashFromBytes(b []byte) (ContentHash, error) {
	var h ContentHash
	if len(b) != HashSize {
		return h, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidHash, HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ParseHash parses the hex form produced by String.
func ParseHash(s string) (ContentHash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ZeroHash, fmt.Errorf("%w %q: %v", ErrInvalidHash, s, err)
	}
	return HashFromBytes(b)
}

// Bytes returns a copy of the digest suitable for a wire message.
func (h ContentHash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

func (h ContentHash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText renders the hash as hex in JSON and logs.
func (h ContentHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText parses a hex hash.
func (h *ContentHash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Short returns the first 12 hex characters, for log lines.
func (h ContentHash) Short() string {
	return h.String()[:12]
}

// IsZero reports whether h is the zero hash.
func (h ContentHash) IsZero() bool {
	return h == ZeroHash
}
