package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceLen = 24

var (
	ErrCodecDisabled = errors.New("contact codec has no key")
	ErrNotSealed     = errors.New("value is not a sealed contact")
)

// ContactCodec seals contact addresses at rest as base64(nonce || secretbox).
type ContactCodec struct {
	key *[32]byte
}

// NewContactCodec accepts a nil key; such a codec fails every Seal and Open.
func NewContactCodec(key *[32]byte) *ContactCodec {
	return &ContactCodec{key: key}
}

func (c *ContactCodec) Seal(plain string) (string, error) {
	if c.key == nil {
		return "", ErrCodecDisabled
	}

	var nonce [nonceLen]byte

	_, err := io.ReadFull(rand.Reader, nonce[:])
	if err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, c.key)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *ContactCodec) Open(sealed string) (string, error) {
	if c.key == nil {
		return "", ErrCodecDisabled
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceLen+secretbox.Overhead {
		return "", ErrNotSealed
	}

	var nonce [nonceLen]byte
	copy(nonce[:], raw[:nonceLen])

	plain, ok := secretbox.Open(nil, raw[nonceLen:], &nonce, c.key)
	if !ok {
		return "", ErrNotSealed
	}

	return string(plain), nil
}
