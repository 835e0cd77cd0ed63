package secretmanager

import (
	vault "github.com/hashicorp/vault-client-go"
	"go.uber.org/fx"
)

// Module provides the optional *vault.Client that config.LoadConfig hydrates
// secrets from. Register it only when a Vault address is configured; without
// it the optional dependency stays nil and config falls back to the file.
var Module = fx.Module("secretmanager", fx.Provide(ProvideVault))

func ProvideVault() (*vault.Client, error) {
	return vault.New(
		vault.WithEnvironment(),
	)
}
