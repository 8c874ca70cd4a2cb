package safe

import (
	"context"

	vault "github.com/hashicorp/vault/api"
	"gitlab.com/distributed_lab/logan/v3"
)

// VaultSafe reads passwords from a Vault KV v2 mount. Deployments that park
// pocket passwords in Vault get the same read-only contract as the in-memory
// safe; absence or any read error is reported as a miss.
type VaultSafe struct {
	log    *logan.Entry
	client *vault.KVv2
	path   string
}

func NewVaultSafe(log *logan.Entry, client *vault.KVv2, path string) *VaultSafe {
	return &VaultSafe{
		log:    log,
		client: client,
		path:   path,
	}
}

var _ Safe = (*VaultSafe)(nil)

func (v *VaultSafe) Get(namespace, key string) (string, bool) {
	secret, err := v.client.Get(context.TODO(), v.path)
	if err != nil {
		v.log.WithError(err).Debug("vault read failed")
		return "", false
	}

	raw, ok := secret.Data[namespace+":"+key]
	if !ok {
		return "", false
	}
	password, ok := raw.(string)
	if !ok || password == "" {
		return "", false
	}
	return password, true
}
