// Package unified exposes one client over whichever local backend is
// configured, so applications can switch servers without code changes.
package unified

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nachoal/localllm/llm"
	"github.com/nachoal/localllm/llm/lmstudio"
	"github.com/nachoal/localllm/llm/ollama"
)

// Backend names accepted in Config.
const (
	BackendOllama   = "ollama"
	BackendLMStudio = "lmstudio"
)

// Config selects and configures the active backend.
type Config struct {
	Backend string
	BaseURL string
	Model   string
	Timeout time.Duration

	// Family picks the LM Studio endpoint family; ignored for Ollama.
	Family string
	// KeepAlive is Ollama's default residency; ignored for LM Studio.
	KeepAlive llm.KeepAlive
	// TTL is LM Studio's default idle ttl in seconds; ignored for Ollama.
	TTL *int

	ExtractReasoning bool
	Logger           *slog.Logger
}

// NormalizeBackend maps user spellings onto a backend name.
func NormalizeBackend(name string) (string, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch strings.NewReplacer("-", "", "_", "", " ", "").Replace(n) {
	case "", BackendOllama:
		return BackendOllama, nil
	case BackendLMStudio:
		return BackendLMStudio, nil
	default:
		return "", fmt.Errorf("unknown backend %q: want ollama or lmstudio", name)
	}
}

type active struct {
	cfg     Config
	backend llm.Backend
}

// Client forwards every call to the active backend. The active backend is
// the only mutable state and is replaced atomically by Reconfigure.
type Client struct {
	cur atomic.Pointer[active]
	mu  sync.Mutex // serializes Reconfigure and Close
}

// New builds the backend described by cfg. It does not contact the server.
func New(cfg Config) (*Client, error) {
	a, err := build(cfg)
	if err != nil {
		return nil, err
	}
	c := &Client{}
	c.cur.Store(a)
	return c, nil
}

// Reconfigure swaps in a backend built from cfg. Calls already running
// finish on the previous backend, whose idle connections are then released.
func (c *Client) Reconfigure(cfg Config) error {
	a, err := build(cfg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.cur.Swap(a)
	if old != nil {
		_ = old.backend.Close()
	}
	a.logger().Info("backend configured", "base_url", baseURL(a.backend), "model", a.cfg.Model)
	return nil
}

func build(cfg Config) (*active, error) {
	name, err := NormalizeBackend(cfg.Backend)
	if err != nil {
		return nil, &llm.Error{Kind: llm.KindProtocol, Op: "configure", Err: err}
	}
	cfg.Backend = name

	base := llm.ClientOptions{
		BaseURL:          cfg.BaseURL,
		Timeout:          cfg.Timeout,
		DefaultModel:     cfg.Model,
		Logger:           cfg.Logger,
		ExtractReasoning: cfg.ExtractReasoning,
	}

	var b llm.Backend
	switch name {
	case BackendLMStudio:
		fam, err := lmstudio.ParseFamily(cfg.Family)
		if err != nil {
			return nil, &llm.Error{Kind: llm.KindProtocol, Backend: name, Op: "configure", Err: err}
		}
		b, err = lmstudio.New(lmstudio.Options{ClientOptions: base, Family: fam, TTL: cfg.TTL})
		if err != nil {
			return nil, err
		}
	default:
		b, err = ollama.New(ollama.Options{ClientOptions: base, KeepAlive: cfg.KeepAlive})
		if err != nil {
			return nil, err
		}
	}
	return &active{cfg: cfg, backend: b}, nil
}

func (a *active) logger() *slog.Logger {
	l := a.cfg.Logger
	if l == nil {
		l = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.Level(math.MaxInt)}))
	}
	return l.With("backend", a.cfg.Backend)
}

func (c *Client) current() *active {
	return c.cur.Load()
}

// Backend returns the name of the active backend.
func (c *Client) Backend() string {
	return c.current().backend.Name()
}

// Config returns the configuration of the active backend.
func (c *Client) Config() Config {
	return c.current().cfg
}

// ListModels returns the active backend's inventory.
func (c *Client) ListModels(ctx context.Context) ([]llm.ModelDescriptor, error) {
	return c.current().backend.ListModels(ctx)
}

// Generate runs a single-turn completion. With req.Stream set the call is
// streamed and collected; a mid-stream failure returns the partial result
// along with the error.
func (c *Client) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	b := c.current().backend
	if req != nil && req.Stream {
		s, err := b.GenerateStream(ctx, req)
		if err != nil {
			return nil, err
		}
		return llm.Collect(s)
	}
	return b.Generate(ctx, req)
}

// GenerateStream streams a single-turn completion.
func (c *Client) GenerateStream(ctx context.Context, req *llm.GenerationRequest) (*llm.Stream, error) {
	return c.current().backend.GenerateStream(ctx, req)
}

// Chat runs a chat completion, streaming and collecting it when req.Stream
// is set. A mid-stream failure returns the partial result with the error.
func (c *Client) Chat(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	b := c.current().backend
	if req != nil && req.Stream {
		s, err := b.ChatStream(ctx, req)
		if err != nil {
			return nil, err
		}
		return llm.Collect(s)
	}
	return b.Chat(ctx, req)
}

// ChatStream streams a chat completion.
func (c *Client) ChatStream(ctx context.Context, req *llm.GenerationRequest) (*llm.Stream, error) {
	return c.current().backend.ChatStream(ctx, req)
}

// ListModelsSync lists models on a private context bounded by the
// configured timeout.
func (c *Client) ListModelsSync() ([]llm.ModelDescriptor, error) {
	return llm.RunBlocking(c.deadline(nil), c.ListModels)
}

// ChatSync runs Chat on a private context bounded by the request or
// configured timeout and returns only the final result.
func (c *Client) ChatSync(req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	return llm.RunBlocking(c.deadline(req), func(ctx context.Context) (*llm.GenerationResult, error) {
		res, err := c.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		return res, nil
	})
}

// Embed returns the embedding of a single text.
func (c *Client) Embed(ctx context.Context, text, model string) (llm.EmbeddingVector, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text}, model)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch returns one vector per text, in order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, model string) ([]llm.EmbeddingVector, error) {
	return c.current().backend.Embed(ctx, model, texts)
}

// ChatWithVision attaches images (paths, data URLs or base64) to the last
// user message and runs a chat completion.
func (c *Client) ChatWithVision(ctx context.Context, req *llm.GenerationRequest, images ...string) (*llm.GenerationResult, error) {
	return c.current().backend.ChatWithVision(ctx, req, images...)
}

// PreloadModel loads model into memory ahead of the first request.
func (c *Client) PreloadModel(ctx context.Context, model string) error {
	return c.current().backend.Preload(ctx, model)
}

// UnloadModel evicts model from memory.
func (c *Client) UnloadModel(ctx context.Context, model string) error {
	return c.current().backend.Unload(ctx, model)
}

// LoadModel loads a model with placement hints. Backends without explicit
// load parameters preload the model and ignore the hints.
func (c *Client) LoadModel(ctx context.Context, opts llm.LoadOptions) error {
	a := c.current()
	if l, ok := a.backend.(llm.Loader); ok {
		return l.LoadModel(ctx, opts)
	}
	if opts.GPUOffload != "" || opts.ContextLength > 0 || opts.TTL != nil {
		a.logger().Debug("load hints not supported, preloading instead", "model", opts.Model)
	}
	return a.backend.Preload(ctx, opts.Model)
}

// Health reports the backend's health check error, if any.
func (c *Client) Health(ctx context.Context) error {
	return c.current().backend.Health(ctx)
}

// TestConnection reports whether the active backend answers.
func (c *Client) TestConnection(ctx context.Context) bool {
	return c.Health(ctx) == nil
}

// Status describes the active backend and what it has resident.
type Status struct {
	Backend   string
	Family    string // LM Studio only
	BaseURL   string
	Reachable bool
	Models    int
	Loaded    []string
}

// Status lists models on the active backend. An unreachable server yields
// a Status with Reachable false and the error.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	b := c.current().backend
	st := &Status{Backend: b.Name(), BaseURL: baseURL(b)}

	if lc, ok := b.(*lmstudio.Client); ok {
		ss, err := lc.ServerStatus(ctx)
		st.Family = string(ss.Family)
		st.Reachable, st.Models, st.Loaded = ss.Reachable, ss.Models, ss.Loaded
		return st, err
	}

	models, err := b.ListModels(ctx)
	if err != nil {
		return st, err
	}
	st.Reachable = true
	st.Models = len(models)
	for _, m := range models {
		if m.State == llm.LoadStateLoaded {
			st.Loaded = append(st.Loaded, m.ID)
		}
	}
	return st, nil
}

// Close releases the active backend's idle connections.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current().backend.Close()
}

func (c *Client) deadline(req *llm.GenerationRequest) time.Duration {
	if req != nil && req.Timeout > 0 {
		return req.Timeout
	}
	if t := c.current().cfg.Timeout; t > 0 {
		return t
	}
	return 2 * time.Minute
}

func baseURL(b llm.Backend) string {
	if u, ok := b.(interface{ BaseURL() string }); ok {
		return u.BaseURL()
	}
	return ""
}
