package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/keelframework/keel/errors"
	"github.com/keelframework/keel/pkg/cache"
	"github.com/keelframework/keel/pkg/ratelimit"
	"github.com/keelframework/keel/service"
)

// AIName is the name the AI completion service registers under.
const AIName = "ai"

// AIConfig configures the AI completion service. The service talks to any
// OpenAI-compatible endpoint: OpenAI itself, LocalAI, or a self-hosted
// inference server.
type AIConfig struct {
	// BaseURL is the base URL of the completion API.
	BaseURL string `json:"base_url"`

	// Model is the model identifier sent with every request.
	Model string `json:"model"`

	// APIKey authenticates against the API. Optional for local services.
	APIKey string `json:"api_key"`

	// Timeout bounds each HTTP request. Defaults to 30s.
	Timeout time.Duration `json:"timeout"`

	// RatePerSecond and Burst bound per-session request rates. Zero values
	// fall back to the top-level rate limit configuration.
	RatePerSecond float64 `json:"rate_per_second"`
	Burst         int     `json:"burst"`

	// Cache configures the completion response cache.
	Cache cache.Config `json:"cache"`
}

// UnmarshalJSON accepts durations as strings ("30s") as well as integer
// nanoseconds.
func (c *AIConfig) UnmarshalJSON(data []byte) error {
	type Alias AIConfig

	aux := &struct {
		Timeout json.RawMessage `json:"timeout,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if len(aux.Timeout) > 0 {
		timeout, err := parseDurationField(aux.Timeout, "timeout")
		if err != nil {
			return err
		}
		c.Timeout = timeout
	}
	return nil
}

// CompletionRecord is the transcript entry persisted for each completion.
type CompletionRecord struct {
	Session string    `json:"session"`
	Model   string    `json:"model"`
	Prompt  string    `json:"prompt"`
	Answer  string    `json:"answer"`
	At      time.Time `json:"at"`
}

// AI provides chat completions and embeddings to the rest of the runtime.
// Requests are rate limited per session key and completions are cached by
// prompt hash; transcripts are persisted through the storage service.
type AI struct {
	*service.BaseService

	cfg  AIConfig
	deps *service.Dependencies

	client    *openai.Client
	limiter   *ratelimit.Limiter
	responses cache.Cache[string]
	store     *Storage
}

// NewAI is the AI service constructor.
func NewAI(rawConfig json.RawMessage, deps *service.Dependencies) (service.Service, error) {
	cfg := AIConfig{
		Timeout:       30 * time.Second,
		RatePerSecond: deps.Config.RateLimit.RatePerSecond,
		Burst:         deps.Config.RateLimit.Burst,
		Cache:         deps.Config.Cache,
	}
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, errors.WrapInvalid(err, "ai", "New", "parsing config")
		}
	}
	if cfg.BaseURL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "ai", "New", "base_url is required")
	}
	if cfg.Model == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "ai", "New", "model is required")
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "dummy-key" // local services don't need a real key
	}
	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = cfg.BaseURL
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	limiter, err := ratelimit.New(cfg.RatePerSecond, cfg.Burst,
		ratelimit.WithEvents(deps.Bus, AIName),
		ratelimit.WithMetrics(deps.Metrics, "ai"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "ai", "New", "building rate limiter")
	}

	return &AI{
		BaseService: service.NewBaseService(AIName,
			service.WithBaseLogger(deps.Logger.With("service", AIName))),
		cfg:     cfg,
		deps:    deps,
		client:  openai.NewClientWithConfig(clientCfg),
		limiter: limiter,
	}, nil
}

// Start builds the response cache and resolves the storage dependency.
func (a *AI) Start(ctx context.Context) error {
	responses, err := cache.NewFromConfig(ctx, a.cfg.Cache,
		cache.WithEvents[string](a.deps.Bus, AIName),
		cache.WithMetrics[string](a.deps.Metrics, "ai_responses"),
	)
	if err != nil {
		return errors.Wrap(err, "ai", "Start", "building response cache")
	}

	svc, err := a.deps.Manager.Get(ctx, StorageName)
	if err != nil {
		_ = responses.Close()
		return errors.Wrap(err, "ai", "Start", "resolving storage")
	}
	store, ok := svc.(*Storage)
	if !ok {
		_ = responses.Close()
		return errors.WrapFatal(errors.ErrInvalidConfig, "ai", "Start",
			fmt.Sprintf("service %q is not a storage service", StorageName))
	}

	a.responses = responses
	a.store = store
	a.MarkStarted()
	a.Logger().Info("ai service ready", "base_url", a.cfg.BaseURL, "model", a.cfg.Model)
	return nil
}

// Stop closes the response cache.
func (a *AI) Stop(_ time.Duration) error {
	a.MarkStopped()
	if a.responses != nil {
		return a.responses.Close()
	}
	return nil
}

// Complete returns the model's answer to prompt. Identical prompts are
// served from cache; each session key has its own rate budget.
func (a *AI) Complete(ctx context.Context, session, prompt string) (string, error) {
	if err := a.limiter.Check(session); err != nil {
		return "", errors.Wrap(err, "ai", "Complete", session)
	}

	key := promptHash(a.cfg.Model, prompt)
	if answer, ok := a.responses.Get(key); ok {
		return answer, nil
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", errors.WrapTransient(err, "ai", "Complete", "completion API call")
	}
	if len(resp.Choices) == 0 {
		return "", errors.WrapTransient(
			fmt.Errorf("API returned no choices"), "ai", "Complete", "completion API call")
	}

	answer := resp.Choices[0].Message.Content
	if _, err := a.responses.Set(key, answer); err != nil {
		a.Logger().Warn("response cache set failed", "key", key, "error", err)
	}
	a.persistTranscript(ctx, session, prompt, answer)

	return answer, nil
}

// Embed returns one embedding vector per input text.
func (a *AI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	resp, err := a.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(a.cfg.Model),
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "ai", "Embed", "embedding API call")
	}
	if len(resp.Data) != len(texts) {
		return nil, errors.WrapTransient(
			fmt.Errorf("API returned %d embeddings for %d texts", len(resp.Data), len(texts)),
			"ai", "Embed", "embedding API call")
	}

	embeddings := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		embeddings[i] = data.Embedding
	}
	return embeddings, nil
}

// persistTranscript stores the completion record. Best-effort: a storage
// failure is logged, not returned.
func (a *AI) persistTranscript(ctx context.Context, session, prompt, answer string) {
	record := CompletionRecord{
		Session: session,
		Model:   a.cfg.Model,
		Prompt:  prompt,
		Answer:  answer,
		At:      time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		a.Logger().Warn("transcript marshal failed", "session", session, "error", err)
		return
	}

	key := fmt.Sprintf("completions/%s/%d", session, record.At.UnixNano())
	if err := a.store.Put(ctx, key, data); err != nil {
		a.Logger().Warn("transcript persist failed", "key", key, "error", err)
	}
}

// promptHash derives the cache key for a completion request.
func promptHash(model, prompt string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + prompt))
	return hex.EncodeToString(sum[:])
}
