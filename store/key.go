package store

import (
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// Key is the content address of a blob: the hex form of its blake2b-256 digest.
type Key string

// KeyOf computes the key of data.
func KeyOf(data []byte) Key {
	sum := blake2b.Sum256(data)
	return Key(hex.EncodeToString(sum[:]))
}

// KeyOfReader computes the key of everything read from r.
func KeyOfReader(r io.Reader) (Key, int64, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return Key(hex.EncodeToString(h.Sum(nil))), n, nil
}

// ParseKey checks s is a well formed key.
func ParseKey(s string) (Key, error) {
	if len(s) != 2*blake2b.Size256 {
		return "", fmt.Errorf("invalid key length: %v", s)
	}
	_, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid key: %v", s)
	}
	return Key(s), nil
}

// IsValid reports whether k is a well formed key.
func (k Key) IsValid() bool {
	_, err := ParseKey(string(k))
	return err == nil
}

func (k Key) String() string {
	return string(k)
}

// Short returns the first 8 hex digits, for logs.
func (k Key) Short() string {
	if len(k) < 8 {
		return string(k)
	}
	return string(k[:8])
}
