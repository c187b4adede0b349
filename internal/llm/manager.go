package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rag-agent/backend/internal/metrics"
	"github.com/rag-agent/backend/pkg/apperr"
	"github.com/rag-agent/backend/pkg/circuitbreaker"
	"github.com/rag-agent/backend/pkg/config"
	"github.com/rag-agent/backend/pkg/logger"
	"github.com/rag-agent/backend/pkg/retry"
)

type ManagerConfig struct {
	Temperature    float32
	MaxTokens      int
	Timeout        time.Duration
	MaxAttempts    int
	BreakerFailure int
	BreakerCool    time.Duration
}

type backend struct {
	provider Provider
	cb       *circuitbreaker.CircuitBreaker
}

// Manager fails over across providers in the order they were given. Each
// provider has its own breaker, so a dead backend is skipped quickly.
type Manager struct {
	backends    []backend
	cfg         ManagerConfig
	retryConfig retry.Config
}

func NewManager(providers []Provider, cfg ManagerConfig) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.BreakerFailure <= 0 {
		cfg.BreakerFailure = 5
	}
	if cfg.BreakerCool <= 0 {
		cfg.BreakerCool = 30 * time.Second
	}

	m := &Manager{
		cfg: cfg,
		retryConfig: retry.Config{
			MaxAttempts:    cfg.MaxAttempts,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			AttemptTimeout: cfg.Timeout,
			Logger:         logger.GetLogger(),
		},
	}
	for _, p := range providers {
		m.backends = append(m.backends, backend{
			provider: p,
			cb: circuitbreaker.NewCircuitBreaker("llm-"+p.Name(), circuitbreaker.Config{
				MaxRequests:      1,
				Interval:         time.Minute,
				Timeout:          cfg.BreakerCool,
				FailureThreshold: uint32(cfg.BreakerFailure),
				SuccessThreshold: 1,
				Logger:           logger.GetLogger(),
			}),
		})
	}
	return m
}

// NewManagerFromConfig builds every configured provider, skipping hosted
// ones that have no credentials.
func NewManagerFromConfig(ctx context.Context, cfg config.LLMConfig) (*Manager, error) {
	var providers []Provider
	for _, pc := range cfg.Providers {
		p, err := NewProvider(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %s: %w", pc.Name, err)
		}
		if p == nil {
			logger.Warn("Skipping provider without credentials", zap.String("provider", pc.Name))
			continue
		}
		providers = append(providers, p)
		logger.Info("LLM provider configured",
			zap.String("provider", p.Name()),
			zap.String("model", p.Model()),
		)
	}

	return NewManager(providers, ManagerConfig{
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
		Timeout:        time.Duration(cfg.TimeoutSec) * time.Second,
		MaxAttempts:    cfg.MaxAttempts,
		BreakerFailure: cfg.BreakerFailure,
		BreakerCool:    time.Duration(cfg.BreakerCoolSec) * time.Second,
	}), nil
}

func (m *Manager) Providers() []string {
	names := make([]string, len(m.backends))
	for i, b := range m.backends {
		names[i] = b.provider.Name()
	}
	return names
}

// Available reports whether at least one provider is configured.
func (m *Manager) Available() bool {
	return len(m.backends) > 0
}

func (m *Manager) Chat(ctx context.Context, req ChatRequest) ChatResult {
	started := time.Now()

	creq := CompletionRequest{
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.Prompt,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	}
	if creq.Temperature == 0 {
		creq.Temperature = m.cfg.Temperature
	}
	if creq.MaxTokens == 0 {
		creq.MaxTokens = m.cfg.MaxTokens
	}

	result := ChatResult{}
	var lastErr error

	for _, b := range m.backends {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		attemptStart := time.Now()
		name := b.provider.Name()

		var completion *Completion
		err := b.cb.Execute(ctx, func() error {
			return retry.Do(ctx, m.retryConfig, func(ctx context.Context) error {
				c, err := b.provider.Complete(ctx, creq)
				if err != nil {
					return err
				}
				completion = c
				return nil
			})
		})

		attempt := Attempt{
			Provider: name,
			Model:    b.provider.Model(),
			Duration: time.Since(attemptStart),
		}

		if err != nil {
			lastErr = apperr.Provider(name, "chat", err)
			attempt.Error = err.Error()
			result.Attempts = append(result.Attempts, attempt)
			metrics.LLMRequests.WithLabelValues(name, "error").Inc()

			logger.Warn("LLM provider failed, trying next",
				zap.String("provider", name),
				zap.Bool("circuit_open", errors.Is(err, circuitbreaker.ErrCircuitOpen)),
				zap.Error(err),
			)
			continue
		}

		result.Attempts = append(result.Attempts, attempt)
		metrics.LLMRequests.WithLabelValues(name, "success").Inc()
		metrics.LLMTokensUsed.WithLabelValues(name, b.provider.Model()).Add(float64(completion.Usage.TotalTokens))

		result.Success = true
		result.Content = completion.Content
		result.Provider = name
		result.Model = b.provider.Model()
		result.TokensUsed = completion.Usage.TotalTokens
		result.ProcessingTime = time.Since(started)

		logger.Debug("LLM completion generated",
			zap.String("provider", name),
			zap.Int("prompt_tokens", completion.Usage.PromptTokens),
			zap.Int("completion_tokens", completion.Usage.CompletionTokens),
		)
		return result
	}

	if lastErr == nil {
		lastErr = errors.New("no providers configured")
	}
	result.Err = fmt.Errorf("%w: %w", apperr.ErrProvidersExhausted, lastErr)
	result.Error = result.Err.Error()
	result.ProcessingTime = time.Since(started)
	return result
}
