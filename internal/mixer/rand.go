package mixer

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"math/big"

	"gitlab.com/distributed_lab/logan/v3/errors"
)

// SessionIDLen is the length of a session identifier in hex characters.
const SessionIDLen = 32

// newSessionID derives a fresh session id by hashing a random scalar.
func newSessionID() (string, error) {
	var scalar [32]byte
	if _, err := rand.Read(scalar[:]); err != nil {
		return "", errors.Wrap(err, "failed to read randomness")
	}
	sum := sha256.Sum256(scalar[:])
	return hex.EncodeToString(sum[:])[:SessionIDLen], nil
}

// validSessionID rejects ids outside the 32-hex-char format at the message
// boundary.
func validSessionID(id string) bool {
	if len(id) != SessionIDLen {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

// cryptoIntn returns a uniform integer in [0, n).
func cryptoIntn(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, errors.Wrap(err, "failed to read randomness")
	}
	return int(v.Int64()), nil
}

// coinflip returns true with probability 0.5.
func coinflip() bool {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return false
	}
	return b[0]&1 == 1
}
