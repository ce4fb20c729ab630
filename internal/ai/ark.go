package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ArkProvider serves completions from a Volcengine Ark endpoint through eino.
type ArkProvider struct {
	model model.BaseChatModel
}

type ArkConfig struct {
	BaseURL string
	Region  string
	APIKey  string
	Model   string
}

func NewArkProvider(ctx context.Context, cfg ArkConfig) (*ArkProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("ark: %w", ErrMissingAPIKey)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("ark: model is required")
	}
	cm, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL: cfg.BaseURL,
		Region:  cfg.Region,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("ark: init chat model: %w", err)
	}
	return &ArkProvider{model: cm}, nil
}

func (p *ArkProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	in := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			in = append(in, schema.SystemMessage(m.Content))
		case "assistant":
			in = append(in, schema.AssistantMessage(m.Content, nil))
		default:
			in = append(in, schema.UserMessage(m.Content))
		}
	}
	out, err := p.model.Generate(ctx, in)
	if err != nil {
		return "", classifyArkError(err)
	}
	if out == nil {
		return "", errors.New("ark: empty response")
	}
	return out.Content, nil
}

// classifyArkError maps the SDK's throttling and billing failures, which only
// surface as error text, onto the package sentinels.
func classifyArkError(err error) error {
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "429") || strings.Contains(s, "toomanyrequests") || strings.Contains(s, "ratelimit"):
		return fmt.Errorf("ark: %w: %v", ErrRateLimited, err)
	case strings.Contains(s, "402") || strings.Contains(s, "quota") || strings.Contains(s, "overdue"):
		return fmt.Errorf("ark: %w: %v", ErrQuotaExhausted, err)
	default:
		return fmt.Errorf("ark: %w", err)
	}
}
