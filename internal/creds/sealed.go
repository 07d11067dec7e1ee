// Package creds resolves live API credentials for a user: the Notion
// OAuth token (refreshing when near expiry) and the Toggl API key (stored
// sealed at rest).
package creds

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

// sealedPrefix versions the sealed format for future key rotation.
const sealedPrefix = "v1.nacl"

const sealedSep = ":"

var (
	ErrSealedFormat = errors.New("unsupported sealed payload format")
	ErrSealOpen     = errors.New("sealed payload failed to open")
)

// Seal encrypts a plaintext credential into the portable
// "v1.nacl:<nonce-b64>:<cipher-b64>" form.
func Seal(plaintext string, key [32]byte) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}

	cipher := secretbox.Seal(nil, []byte(plaintext), &nonce, &key)
	return strings.Join([]string{
		sealedPrefix,
		base64.StdEncoding.EncodeToString(nonce[:]),
		base64.StdEncoding.EncodeToString(cipher),
	}, sealedSep), nil
}

// Open decrypts a sealed credential.
func Open(payload string, key [32]byte) (string, error) {
	parts := strings.Split(payload, sealedSep)
	if len(parts) != 3 || parts[0] != sealedPrefix {
		return "", ErrSealedFormat
	}

	nonceRaw, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(nonceRaw) != 24 {
		return "", ErrSealedFormat
	}
	cipher, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", ErrSealedFormat
	}

	var nonce [24]byte
	copy(nonce[:], nonceRaw)

	plain, ok := secretbox.Open(nil, cipher, &nonce, &key)
	if !ok {
		return "", ErrSealOpen
	}
	return string(plain), nil
}
