package provider

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/voice-orchestrator/internal/core"
)

// Known provider kinds. The kind defaults to the provider id, so the
// standard ids "volcano", "azure", and "openai" need no extra
// configuration; an unusual id selects its kind through the "kind" extra.
const (
	KindVolcano = "volcano"
	KindAzure   = "azure"
	KindOpenAI  = "openai"
)

// ErrUnknownProviderKind indicates a configuration names a vendor no
// adapter implementation exists for.
var ErrUnknownProviderKind = errors.New("unknown provider kind")

// DefaultFactory builds the adapter for a configuration snapshot, selecting
// the implementation by kind. callTimeout caps every request the adapter
// makes.
func DefaultFactory(callTimeout time.Duration) AdapterFactory {
	return func(cfg core.ProviderConfig) (core.Adapter, error) {
		kind := cfg.Extra["kind"]
		if kind == "" {
			kind = cfg.ID
		}

		switch kind {
		case KindVolcano:
			return NewVolcanoAdapter(cfg, callTimeout)
		case KindAzure:
			return NewAzureAdapter(cfg, callTimeout)
		case KindOpenAI:
			return NewOpenAIAdapter(cfg, callTimeout)
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownProviderKind, kind)
		}
	}
}
