package wallet

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"gitlab.com/distributed_lab/logan/v3/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const sealSaltSize = 16

// SealWithPassword encrypts a secret under a user password. The result is
// salt || nonce || ciphertext.
func SealWithPassword(password string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, sealSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "failed to read salt")
	}
	aead, err := passwordAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "failed to read nonce")
	}
	out := append(salt, nonce...)
	return append(out, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

// OpenWithPassword reverses SealWithPassword.
func OpenWithPassword(password string, sealed []byte) ([]byte, error) {
	if len(sealed) < sealSaltSize+chacha20poly1305.NonceSize {
		return nil, errors.New("sealed blob too short")
	}
	salt := sealed[:sealSaltSize]
	nonce := sealed[sealSaltSize : sealSaltSize+chacha20poly1305.NonceSize]
	ct := sealed[sealSaltSize+chacha20poly1305.NonceSize:]

	aead, err := passwordAEAD(password, salt)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt secret")
	}
	return plain, nil
}

func passwordAEAD(password string, salt []byte) (cipher.AEAD, error) {
	r := hkdf.New(sha256.New, []byte(password), salt, []byte("darkwallet-secret"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Wrap(err, "failed to derive key")
	}
	return chacha20poly1305.New(key)
}
