package config

import (
	"os"

	vault "github.com/hashicorp/vault/api"
	"gitlab.com/distributed_lab/logan/v3/errors"
)

const (
	VaultPathEnv   = "VAULT_PATH"
	VaultTokenEnv  = "VAULT_TOKEN"
	VaultMountEnv  = "MOUNT_PATH"
	VaultSecretEnv = "VAULT_SECRET_PATH"
)

type Vaulter interface {
	// VaultEnabled reports whether a Vault-backed safe is configured.
	VaultEnabled() bool
	Vault() *vault.KVv2
	VaultSecretPath() string
}

func (c *config) VaultEnabled() bool {
	return os.Getenv(VaultPathEnv) != ""
}

func (c *config) Vault() *vault.KVv2 {
	return c.vault.Do(func() interface{} {
		conf := vault.DefaultConfig()
		conf.Address = os.Getenv(VaultPathEnv)

		client, err := vault.NewClient(conf)
		if err != nil {
			panic(errors.Wrap(err, "failed to create vault client"))
		}

		client.SetToken(os.Getenv(VaultTokenEnv))
		return client.KVv2(os.Getenv(VaultMountEnv))
	}).(*vault.KVv2)
}

func (c *config) VaultSecretPath() string {
	return os.Getenv(VaultSecretEnv)
}
