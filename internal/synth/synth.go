// Package synth drafts solution fragments with a generative model when no
// stored rune is good enough.
package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/kalambet/runeforge/internal/ollama"
)

// Providers accepted by New.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderNone      = "none"
)

// DefaultTimeout bounds a synthesis call when Config.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// ErrUnavailable is returned when no synthesizer is configured.
var ErrUnavailable = errors.New("synthesizer unavailable")

// Synthesizer generates text for a prompt. Calls may fail or time out; no
// retries happen at this level.
type Synthesizer interface {
	Synthesize(ctx context.Context, prompt string) (string, error)
	Name() string
}

type Config struct {
	Provider string
	BaseURL  string
	Model    string
	APIKey   string
	Timeout  time.Duration
}

// New builds the synthesizer for cfg.Provider, wrapped with cfg.Timeout.
func New(cfg Config) (Synthesizer, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var s Synthesizer
	switch cfg.Provider {
	case ProviderOllama, "":
		if cfg.Model == "" {
			return nil, fmt.Errorf("ollama synthesizer needs a model")
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		s = &ollamaSynth{client: ollama.New(baseURL), model: cfg.Model}

	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		opts := []openai.Option{openai.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		m, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		s = &llmSynth{model: m, name: ProviderOpenAI}

	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey)}
		if cfg.Model != "" {
			opts = append(opts, anthropic.WithModel(cfg.Model))
		}
		m, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}
		s = &llmSynth{model: m, name: ProviderAnthropic}

	case ProviderNone:
		return Unavailable{}, nil

	default:
		return nil, fmt.Errorf("unsupported synthesizer provider: %s", cfg.Provider)
	}
	return WithTimeout(s, timeout), nil
}

// EnsureReady checks that the configured provider can serve requests. For
// Ollama the model is pulled if missing; progress goes to w.
func EnsureReady(ctx context.Context, cfg Config, w io.Writer) error {
	switch cfg.Provider {
	case ProviderOllama, "":
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return ollama.EnsureModel(ctx, ollama.New(baseURL), cfg.Model, w)
	case ProviderOpenAI, ProviderAnthropic:
		if cfg.APIKey == "" {
			return fmt.Errorf("%s API key is not set", cfg.Provider)
		}
	}
	return nil
}

type ollamaSynth struct {
	client *ollama.Client
	model  string
}

func (s *ollamaSynth) Name() string { return ProviderOllama }

func (s *ollamaSynth) Synthesize(ctx context.Context, prompt string) (string, error) {
	out, err := s.client.Chat(ctx, s.model, []ollama.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}, &ollama.Options{Temperature: 0.2})
	if err != nil {
		return "", err
	}
	return CleanOutput(out), nil
}

type llmSynth struct {
	model llms.Model
	name  string
}

func (s *llmSynth) Name() string { return s.name }

func (s *llmSynth) Synthesize(ctx context.Context, prompt string) (string, error) {
	resp, err := s.model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}, llms.WithTemperature(0.2))
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}
	return CleanOutput(resp.Choices[0].Content), nil
}

// Unavailable is the synthesizer used when the provider is "none".
type Unavailable struct{}

func (Unavailable) Name() string { return ProviderNone }

func (Unavailable) Synthesize(context.Context, string) (string, error) {
	return "", ErrUnavailable
}

type timeoutSynth struct {
	inner   Synthesizer
	timeout time.Duration
}

// WithTimeout bounds every call to s by d.
func WithTimeout(s Synthesizer, d time.Duration) Synthesizer {
	return &timeoutSynth{inner: s, timeout: d}
}

func (t *timeoutSynth) Name() string { return t.inner.Name() }

func (t *timeoutSynth) Synthesize(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := t.inner.Synthesize(ctx, prompt)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if r.err == nil && strings.TrimSpace(r.out) == "" {
			return "", fmt.Errorf("%s returned empty output", t.inner.Name())
		}
		return r.out, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w", t.inner.Name(), ctx.Err())
	}
}

// CleanOutput trims whitespace and strips a single surrounding Markdown code
// fence from model output.
func CleanOutput(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") || !strings.HasSuffix(s, "```") || len(s) < 6 {
		return s
	}
	body := strings.TrimSuffix(s, "```")
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = strings.TrimPrefix(body, "```")
	}
	return strings.TrimSpace(body)
}
