package provider

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/book-expert/voice-orchestrator/internal/core"
)

// providersFile is the TOML shape of the providers configuration file:
// one [providers.<id>] table per provider.
type providersFile struct {
	Providers map[string]core.ProviderConfig `toml:"providers"`
}

// LoadProvidersFile reads and validates the providers TOML file. The map
// key becomes each provider's id; an id set inside the table must match
// the key.
func LoadProvidersFile(path string) ([]core.ProviderConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read providers file %s: %w", path, err)
	}

	var parsed providersFile

	err = toml.Unmarshal(raw, &parsed)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse providers file %s: %w",
			core.ErrInvalidConfig, path, err)
	}

	if len(parsed.Providers) == 0 {
		return nil, fmt.Errorf("%w: providers file %s defines no providers",
			core.ErrInvalidConfig, path)
	}

	configs := make([]core.ProviderConfig, 0, len(parsed.Providers))

	for id, cfg := range parsed.Providers {
		if cfg.ID == "" {
			cfg.ID = id
		}

		if cfg.ID != id {
			return nil, fmt.Errorf("%w: provider table %q declares id %q",
				core.ErrInvalidConfig, id, cfg.ID)
		}

		configs = append(configs, cfg)
	}

	return configs, nil
}
