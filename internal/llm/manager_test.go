package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rag-agent/backend/pkg/apperr"
	"github.com/rag-agent/backend/pkg/config"
)

type fakeProvider struct {
	name  string
	reply string
	err   error
	calls atomic.Int32
	last  CompletionRequest
}

func (f *fakeProvider) Name() string  { return f.name }
func (f *fakeProvider) Model() string { return f.name + "-model" }

func (f *fakeProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	f.calls.Add(1)
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return &Completion{Content: f.reply, Usage: Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7}}, nil
}

func newTestManager(providers ...Provider) *Manager {
	m := NewManager(providers, ManagerConfig{Temperature: 0.2, MaxTokens: 256, MaxAttempts: 2})
	m.retryConfig.InitialDelay = time.Millisecond
	m.retryConfig.MaxDelay = time.Millisecond
	return m
}

func TestChatUsesFirstHealthyProvider(t *testing.T) {
	first := &fakeProvider{name: "groq", reply: "from groq"}
	second := &fakeProvider{name: "gemini", reply: "from gemini"}
	m := newTestManager(first, second)

	res := m.Chat(context.Background(), ChatRequest{Prompt: "hi"})
	require.True(t, res.Success)
	assert.Equal(t, "from groq", res.Content)
	assert.Equal(t, "groq", res.Provider)
	assert.Equal(t, "groq-model", res.Model)
	assert.Equal(t, 7, res.TokensUsed)
	assert.Equal(t, int32(0), second.calls.Load())
}

func TestChatFailsOverAndRecordsAttempts(t *testing.T) {
	first := &fakeProvider{name: "groq", err: errors.New("503")}
	second := &fakeProvider{name: "gemini", reply: "ok"}
	m := newTestManager(first, second)

	res := m.Chat(context.Background(), ChatRequest{Prompt: "hi"})
	require.True(t, res.Success)
	assert.Equal(t, "gemini", res.Provider)
	assert.Equal(t, int32(2), first.calls.Load(), "bounded retries on the failing provider")
	require.Len(t, res.Attempts, 2)
	assert.NotEmpty(t, res.Attempts[0].Error)
	assert.Empty(t, res.Attempts[1].Error)
}

func TestChatExhaustedReturnsValue(t *testing.T) {
	m := newTestManager(
		&fakeProvider{name: "a", err: errors.New("down")},
		&fakeProvider{name: "b", err: errors.New("down")},
	)

	res := m.Chat(context.Background(), ChatRequest{Prompt: "hi"})
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, apperr.ErrProvidersExhausted))
	assert.True(t, errors.Is(res.Err, apperr.ErrProvider))
	assert.Len(t, res.Attempts, 2)
}

func TestChatWithoutProviders(t *testing.T) {
	m := newTestManager()
	assert.False(t, m.Available())
	res := m.Chat(context.Background(), ChatRequest{Prompt: "hi"})
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, apperr.ErrProvidersExhausted))
}

func TestChatAppliesDefaults(t *testing.T) {
	p := &fakeProvider{name: "p", reply: "x"}
	m := newTestManager(p)

	m.Chat(context.Background(), ChatRequest{Prompt: "q", SystemPrompt: "sys"})
	assert.Equal(t, float32(0.2), p.last.Temperature)
	assert.Equal(t, 256, p.last.MaxTokens)
	assert.Equal(t, "sys", p.last.SystemPrompt)

	m.Chat(context.Background(), ChatRequest{Prompt: "q", Temperature: 0.7, MaxTokens: 99})
	assert.Equal(t, float32(0.7), p.last.Temperature)
	assert.Equal(t, 99, p.last.MaxTokens)
}

func TestBreakerSkipsDeadProvider(t *testing.T) {
	dead := &fakeProvider{name: "dead", err: errors.New("down")}
	live := &fakeProvider{name: "live", reply: "ok"}
	m := NewManager([]Provider{dead, live}, ManagerConfig{MaxAttempts: 1, BreakerFailure: 2, BreakerCool: time.Hour})

	for i := 0; i < 5; i++ {
		res := m.Chat(context.Background(), ChatRequest{Prompt: "hi"})
		require.True(t, res.Success)
	}
	assert.Equal(t, int32(2), dead.calls.Load())
}

func TestDetectComplexity(t *testing.T) {
	tests := []struct {
		query string
		want  Complexity
	}{
		{"olá, tudo bem?", ComplexitySimple},
		{"quantas linhas tem o arquivo?", ComplexityMedium},
		{"há fraude nas notas?", ComplexityComplex},
		{"faça uma análise completa dos dados", ComplexityAdvanced},
		{"xyz", ComplexityMedium},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectComplexity(tt.query))
		})
	}

	p := ProfileFor("deep learning ensemble")
	assert.Equal(t, ComplexityAdvanced, p.Complexity)
	assert.Equal(t, 4000, p.MaxTokens)
}

func TestNewProviderDefaults(t *testing.T) {
	tests := []struct {
		name      string
		pc        config.ProviderConfig
		wantName  string
		wantModel string
	}{
		{"openai without model", config.ProviderConfig{Kind: "openai", APIKey: "k"}, "openai", "gpt-4o-mini"},
		{"groq keeps configured model", config.ProviderConfig{Name: "fast", Kind: "groq", APIKey: "k", Model: "llama-3.1-8b-instant"}, "fast", "llama-3.1-8b-instant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(context.Background(), tt.pc)
			require.NoError(t, err)
			require.NotNil(t, p)
			assert.Equal(t, tt.wantName, p.Name())
			assert.Equal(t, tt.wantModel, p.Model())
		})
	}

	p, err := NewProvider(context.Background(), config.ProviderConfig{Kind: "openai"})
	require.NoError(t, err)
	assert.Nil(t, p)

	_, err = NewProvider(context.Background(), config.ProviderConfig{Kind: "bogus"})
	assert.Error(t, err)
}
