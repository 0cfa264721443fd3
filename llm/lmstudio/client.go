package lmstudio

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nachoal/localllm/llm"
	"github.com/nachoal/localllm/llm/imagecodec"
	"github.com/nachoal/localllm/llm/transport"
)

const (
	backendName    = "lmstudio"
	defaultBaseURL = "http://localhost:1234"
	defaultTimeout = 120 * time.Second // Longer timeout for local models
	defaultTTL     = 600
)

// Family selects which endpoint family the client talks to.
type Family string

const (
	// FamilyNative uses /api/v0, which reports load state and in-band stats.
	FamilyNative Family = "native"
	// FamilyCompatible uses the OpenAI-compatible /v1 surface.
	FamilyCompatible Family = "compatible"
)

// ParseFamily validates a family name. Empty selects the native family.
func ParseFamily(s string) (Family, error) {
	switch Family(strings.ToLower(strings.TrimSpace(s))) {
	case "", FamilyNative:
		return FamilyNative, nil
	case FamilyCompatible, "openai", "v1":
		return FamilyCompatible, nil
	default:
		return "", fmt.Errorf("unknown endpoint family %q: want native or compatible", s)
	}
}

// Options configures an LM Studio client.
type Options struct {
	llm.ClientOptions

	Family Family

	// TTL is the idle time in seconds before the server unloads a model:
	// -1 keeps it until unloaded, 0 unloads after the response. nil means 600.
	TTL *int
}

// Client implements llm.Backend for LM Studio
type Client struct {
	options   Options
	ttl       int
	transport *transport.Client
	family    family
	logger    *slog.Logger
	dims      llm.DimensionGuard

	mu       sync.Mutex
	modelTTL map[string]int // ttl given when the model was loaded through this client
}

var (
	_ llm.Backend = (*Client)(nil)
	_ llm.Loader  = (*Client)(nil)
)

// family is one endpoint surface of the server. It is chosen once at
// construction and never switched per response.
type family interface {
	kind() Family
	listModels(ctx context.Context) ([]llm.ModelDescriptor, error)
	chat(ctx context.Context, call *chatCall) (*llm.GenerationResult, error)
	chatStream(ctx context.Context, call *chatCall) (llm.Decoder, error)
	embed(ctx context.Context, model string, inputs []string) ([]llm.EmbeddingVector, error)
}

// chatCall is a backend-neutral chat completion ready to be sent
type chatCall struct {
	op          string
	model       string
	messages    []llm.Message
	temperature *float64
	maxTokens   int
	ttl         *int // nil when the model should stay until unloaded
	timeout     time.Duration
}

// New creates an LM Studio client. No request is made until the first call.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	// Older configs point at the /v1 prefix; the family adds its own.
	opts.BaseURL = strings.TrimSuffix(strings.TrimRight(opts.BaseURL, "/"), "/v1")
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	fam, err := ParseFamily(string(opts.Family))
	if err != nil {
		return nil, &llm.Error{Kind: llm.KindProtocol, Backend: backendName, Op: "configure", Err: err}
	}
	opts.Family = fam

	ttl := defaultTTL
	if opts.TTL != nil {
		ttl = *opts.TTL
	}
	if ttl < -1 {
		return nil, llm.WithContext(llm.Protocolf("configure", "ttl must be -1, 0 or positive, got %d", ttl), backendName, "configure")
	}

	tr := transport.New(transport.Options{
		Backend:             backendName,
		BaseURL:             opts.BaseURL,
		Timeout:             opts.Timeout,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		Headers:             opts.Headers,
		Logger:              opts.Logger,
	})

	c := &Client{
		options:   opts,
		ttl:       ttl,
		modelTTL:  make(map[string]int),
		transport: tr,
		logger:    tr.Logger().With("family", string(fam)),
	}
	switch fam {
	case FamilyCompatible:
		c.family = newCompatibleFamily(tr)
	default:
		c.family = newNativeFamily(tr)
	}
	return c, nil
}

// NewClient creates an LM Studio client on the native family from functional options
func NewClient(opts ...llm.ClientOption) (*Client, error) {
	return New(Options{ClientOptions: llm.ApplyOptions(opts...)})
}

// Name implements llm.Backend
func (c *Client) Name() string {
	return backendName
}

// Family returns the endpoint family chosen at construction
func (c *Client) Family() Family {
	return c.family.kind()
}

// BaseURL returns the server address
func (c *Client) BaseURL() string {
	return c.transport.BaseURL()
}

// ListModels returns the server inventory. Only the native family reports
// load state; the compatible family leaves it as LoadStateUnknown.
func (c *Client) ListModels(ctx context.Context) ([]llm.ModelDescriptor, error) {
	models, err := c.family.listModels(ctx)
	if err != nil {
		return nil, llm.WithContext(err, backendName, "list_models")
	}
	c.logger.Debug("listed models", "count", len(models))
	return models, nil
}

// Generate runs a single user turn through chat completions
func (c *Client) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	call, err := c.generateCall(req)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, call)
}

// GenerateStream is Generate delivered as a stream
func (c *Client) GenerateStream(ctx context.Context, req *llm.GenerationRequest) (*llm.Stream, error) {
	call, err := c.generateCall(req)
	if err != nil {
		return nil, err
	}
	return c.runStream(ctx, call)
}

// Chat runs a chat completion without streaming
func (c *Client) Chat(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	call, err := c.chatCall("chat", req)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, call)
}

// ChatStream runs a chat completion as a server-sent event stream
func (c *Client) ChatStream(ctx context.Context, req *llm.GenerationRequest) (*llm.Stream, error) {
	call, err := c.chatCall("chat", req)
	if err != nil {
		return nil, err
	}
	return c.runStream(ctx, call)
}

// ChatWithVision encodes images as data URLs on the last user message and runs Chat
func (c *Client) ChatWithVision(ctx context.Context, req *llm.GenerationRequest, images ...string) (*llm.GenerationResult, error) {
	const op = "vision"
	if err := llm.CheckChat(op, req); err != nil {
		return nil, llm.WithContext(err, backendName, op)
	}
	urls, err := imagecodec.EncodeAll(images)
	if err != nil {
		return nil, llm.WithContext(err, backendName, op)
	}
	msgs, err := llm.AttachImages(req.Messages, urls)
	if err != nil {
		return nil, llm.WithContext(err, backendName, op)
	}
	vreq := *req
	vreq.Messages = msgs
	call, err := c.chatCall(op, &vreq)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, call)
}

// Embed returns one vector per input, in input order
func (c *Client) Embed(ctx context.Context, model string, inputs []string) ([]llm.EmbeddingVector, error) {
	const op = "embed"
	model, err := c.model(op, model)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, llm.WithContext(llm.Protocolf(op, "at least one input is required"), backendName, op)
	}

	vectors, err := c.family.embed(ctx, model, inputs)
	if err != nil {
		return nil, llm.WithContext(err, backendName, op)
	}
	if err := c.dims.Check(op, model, len(inputs), vectors); err != nil {
		return nil, llm.WithContext(err, backendName, op)
	}
	return vectors, nil
}

// GenerateSync runs Generate on a private context and waits for the result.
func (c *Client) GenerateSync(req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	if req != nil && req.Stream {
		return llm.CollectBlocking(c.deadline(req), func(ctx context.Context) (*llm.Stream, error) {
			return c.GenerateStream(ctx, req)
		})
	}
	return llm.RunBlocking(c.deadline(req), func(ctx context.Context) (*llm.GenerationResult, error) {
		return c.Generate(ctx, req)
	})
}

// ListModelsSync runs ListModels on a private context and waits for the result.
func (c *Client) ListModelsSync() ([]llm.ModelDescriptor, error) {
	return llm.RunBlocking(c.transport.Timeout(), c.ListModels)
}

// ChatSync runs Chat on a private context and waits for the result.
func (c *Client) ChatSync(req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	if req != nil && req.Stream {
		return llm.CollectBlocking(c.deadline(req), func(ctx context.Context) (*llm.Stream, error) {
			return c.ChatStream(ctx, req)
		})
	}
	return llm.RunBlocking(c.deadline(req), func(ctx context.Context) (*llm.GenerationResult, error) {
		return c.Chat(ctx, req)
	})
}

// Health checks that the server answers a model listing
func (c *Client) Health(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// Close releases idle connections
func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) run(ctx context.Context, call *chatCall) (*llm.GenerationResult, error) {
	start := time.Now()
	res, err := c.family.chat(ctx, call)
	if err != nil {
		return nil, llm.WithContext(err, backendName, call.op)
	}
	c.finish(res)
	c.logger.Debug("generation complete", "op", call.op, "model", call.model, "duration", time.Since(start))
	return res, nil
}

func (c *Client) runStream(ctx context.Context, call *chatCall) (*llm.Stream, error) {
	dec, err := c.family.chatStream(ctx, call)
	if err != nil {
		return nil, llm.WithContext(err, backendName, call.op)
	}
	return llm.NewStream(dec, c.finish), nil
}

func (c *Client) finish(res *llm.GenerationResult) {
	if c.options.ExtractReasoning {
		llm.ApplyReasoningFallback(res)
	}
}

func (c *Client) chatCall(op string, req *llm.GenerationRequest) (*chatCall, error) {
	if err := llm.CheckChat(op, req); err != nil {
		return nil, llm.WithContext(err, backendName, op)
	}
	return c.newCall(op, req, req.Messages)
}

func (c *Client) generateCall(req *llm.GenerationRequest) (*chatCall, error) {
	const op = "generate"
	if err := llm.CheckGenerate(op, req); err != nil {
		return nil, llm.WithContext(err, backendName, op)
	}
	return c.newCall(op, req, llm.PromptMessages(req))
}

func (c *Client) newCall(op string, req *llm.GenerationRequest, msgs []llm.Message) (*chatCall, error) {
	model, err := c.model(op, req.Model)
	if err != nil {
		return nil, err
	}
	ttl, err := c.requestTTL(op, model, req.KeepAlive)
	if err != nil {
		return nil, err
	}
	return &chatCall{
		op:          op,
		model:       model,
		messages:    msgs,
		temperature: req.ClampedTemperature(),
		maxTokens:   req.MaxTokens,
		ttl:         ttl,
		timeout:     req.Timeout,
	}, nil
}

// requestTTL converts a keep-alive override into wire seconds. Without an
// override, a model loaded through LoadModel keeps its load-time ttl; every
// other model gets the client default.
func (c *Client) requestTTL(op, model string, k llm.KeepAlive) (*int, error) {
	if k == "" {
		return wireTTL(c.residentTTL(model)), nil
	}
	n, err := k.Seconds()
	if err != nil {
		return nil, &llm.Error{Kind: llm.KindProtocol, Backend: backendName, Op: op, Err: err}
	}
	return wireTTL(n), nil
}

func (c *Client) residentTTL(model string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl, ok := c.modelTTL[model]; ok {
		return ttl
	}
	return c.ttl
}

func (c *Client) setResidentTTL(model string, ttl int, loaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if loaded {
		c.modelTTL[model] = ttl
	} else {
		delete(c.modelTTL, model)
	}
}

// wireTTL drops the field for -1 so the server keeps the model until unloaded
func wireTTL(n int) *int {
	if n < 0 {
		return nil
	}
	return &n
}

func (c *Client) model(op, model string) (string, error) {
	if model == "" {
		model = c.options.DefaultModel
	}
	if model == "" {
		return "", llm.WithContext(llm.Protocolf(op, "no model specified and no default configured"), backendName, op)
	}
	return model, nil
}

func (c *Client) deadline(req *llm.GenerationRequest) time.Duration {
	if req != nil && req.Timeout > 0 {
		return req.Timeout
	}
	return c.transport.Timeout()
}

// isVisionModel marks common LM Studio vision models by ID
func isVisionModel(id string) bool {
	n := strings.ToLower(id)
	switch {
	case strings.Contains(n, "gemma-3"), // Google Gemma 3 vision
		strings.Contains(n, "pixtral"), // Mistral Pixtral
		strings.Contains(n, "llava"),
		strings.Contains(n, "bakllava"),
		strings.Contains(n, "moondream"),
		strings.Contains(n, "qwen2-vl"),
		strings.Contains(n, "qwen2.5-vl"),
		strings.Contains(n, "-vision"):
		return true
	default:
		return false
	}
}
