package channel

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"gitlab.com/distributed_lab/logan/v3/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Identity is the node's lobby keypair. The fingerprint derived from the
// public key is the stable participant identifier used to suppress echoes.
type Identity struct {
	priv [32]byte
	pub  [32]byte
}

// GenerateIdentity returns a fresh clamped X25519 keypair.
func GenerateIdentity() (*Identity, error) {
	id := &Identity{}
	if _, err := rand.Read(id.priv[:]); err != nil {
		return nil, errors.Wrap(err, "failed to read randomness")
	}
	clamp(&id.priv)
	pub, err := curve25519.X25519(id.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive public key")
	}
	copy(id.pub[:], pub)
	return id, nil
}

// IdentityFromHex restores an identity from a hex-encoded private scalar.
func IdentityFromHex(privHex string) (*Identity, error) {
	raw, err := hex.DecodeString(privHex)
	if err != nil || len(raw) != 32 {
		return nil, errors.New("invalid private key encoding")
	}
	id := &Identity{}
	copy(id.priv[:], raw)
	clamp(&id.priv)
	pub, err := curve25519.X25519(id.priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive public key")
	}
	copy(id.pub[:], pub)
	return id, nil
}

func (id *Identity) PubKeyHex() string {
	return hex.EncodeToString(id.pub[:])
}

func (id *Identity) PrivKeyHex() string {
	return hex.EncodeToString(id.priv[:])
}

// Fingerprint returns the participant identifier: a truncated SHA-256 of the
// public key, 20 hex chars.
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.pub[:])
}

func Fingerprint(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:10])
}

func clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// channelKey derives the symmetric key shared by all members of a named
// lobby channel. Membership of the channel is the secret.
func channelKey(name string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(name), []byte("darkwallet-lobby"), []byte("channel"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Wrap(err, "failed to derive channel key")
	}
	return key, nil
}

// dhKey derives the pairwise end-to-end key between our identity and a peer
// public key.
func (id *Identity) dhKey(peerPub []byte) ([]byte, error) {
	if len(peerPub) != 32 {
		return nil, errors.New("invalid peer public key length")
	}
	secret, err := curve25519.X25519(id.priv[:], peerPub)
	if err != nil {
		return nil, errors.Wrap(err, "diffie-hellman failed")
	}
	r := hkdf.New(sha256.New, secret, nil, []byte("darkwallet-dh"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Wrap(err, "failed to derive pairwise key")
	}
	return key, nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "failed to read nonce")
	}
	return append(nonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

func open(key, sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, errors.New("sealed frame too short")
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sealed frame")
	}
	return plain, nil
}
