package narrator

import (
	"context"

	"github.com/suPer8Hu/phantom-rooms/internal/ai"
)

type Turn struct {
	Role    string
	Content string
}

// Prompt is one structured completion request: the narrator instruction plus
// ordered context turns, the trigger message last.
type Prompt struct {
	System string
	Turns  []Turn
}

// Oracle is the opaque text-completion dependency. Implementations return
// ai.ErrRateLimited, ai.ErrQuotaExhausted or ai.ErrMissingAPIKey (wrapped)
// for those conditions.
type Oracle interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// ProviderResolver yields the chat provider to use for one completion.
type ProviderResolver interface {
	Default(ctx context.Context) (ai.Provider, error)
}

// RegistryOracle completes prompts with the registry's default provider.
type RegistryOracle struct {
	providers ProviderResolver
}

func NewRegistryOracle(providers ProviderResolver) *RegistryOracle {
	return &RegistryOracle{providers: providers}
}

func (o *RegistryOracle) Complete(ctx context.Context, p Prompt) (string, error) {
	provider, err := o.providers.Default(ctx)
	if err != nil {
		return "", err
	}
	msgs := make([]ai.Message, 0, len(p.Turns)+1)
	msgs = append(msgs, ai.Message{Role: "system", Content: p.System})
	for _, t := range p.Turns {
		msgs = append(msgs, ai.Message{Role: t.Role, Content: t.Content})
	}
	return provider.Chat(ctx, msgs)
}
