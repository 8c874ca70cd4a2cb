// Package safe holds user passwords for a bounded time. The mixer only ever
// reads: an empty answer means the security context expired and signing
// capability must be withdrawn.
package safe

import "strconv"

// Safe is a password store keyed by (namespace, key).
type Safe interface {
	// Get returns the stored password, or ok=false when none is live.
	Get(namespace, key string) (password string, ok bool)
}

// Namespaces used by the mixer.
const (
	NamespaceMixer = "mixer"
	NamespaceSend  = "send"
)

// PocketKey builds the safe key for a pocket's mixing password.
func PocketKey(pocket int) string {
	return "pocket:" + strconv.Itoa(pocket)
}
