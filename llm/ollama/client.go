package ollama

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/nachoal/localllm/llm"
	"github.com/nachoal/localllm/llm/imagecodec"
	"github.com/nachoal/localllm/llm/transport"
)

const (
	backendName      = "ollama"
	defaultBaseURL   = "http://localhost:11434"
	defaultTimeout   = 120 * time.Second // Longer timeout for local models
	defaultKeepAlive = llm.KeepAlive("5m")
)

// Options configures an Ollama client.
type Options struct {
	llm.ClientOptions

	// KeepAlive is the residency applied when a request does not set one.
	KeepAlive llm.KeepAlive
}

// Client implements llm.Backend for Ollama's native API
type Client struct {
	options   Options
	transport *transport.Client
	logger    *slog.Logger
	dims      llm.DimensionGuard
}

var _ llm.Backend = (*Client)(nil)

// Message is a chat message in Ollama's format
type Message struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
	// Images holds raw base64 payloads, without the data URL prefix
	Images []string `json:"images,omitempty"`
}

// ChatRequest is the body of /api/chat
type ChatRequest struct {
	Model     string         `json:"model"`
	Messages  []Message      `json:"messages"`
	Stream    bool           `json:"stream"`
	KeepAlive llm.KeepAlive  `json:"keep_alive,omitempty"`
	Think     *bool          `json:"think,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// GenerateRequest is the body of /api/generate
type GenerateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt,omitempty"`
	System    string         `json:"system,omitempty"`
	Stream    bool           `json:"stream"`
	KeepAlive llm.KeepAlive  `json:"keep_alive,omitempty"`
	Think     *bool          `json:"think,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// Response is one /api/chat or /api/generate object. Streaming calls
// receive one per line; the last one has Done set and carries the timings.
type Response struct {
	Model              string   `json:"model"`
	Message            *Message `json:"message,omitempty"`
	Response           string   `json:"response"`
	Thinking           string   `json:"thinking,omitempty"`
	Done               bool     `json:"done"`
	DoneReason         string   `json:"done_reason,omitempty"`
	TotalDuration      int64    `json:"total_duration,omitempty"`
	LoadDuration       int64    `json:"load_duration,omitempty"`
	PromptEvalCount    int      `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64    `json:"prompt_eval_duration,omitempty"`
	EvalCount          int      `json:"eval_count,omitempty"`
	EvalDuration       int64    `json:"eval_duration,omitempty"`
	Error              string   `json:"error,omitempty"`
}

// EmbedRequest is the body of /api/embed
type EmbedRequest struct {
	Model     string        `json:"model"`
	Input     []string      `json:"input"`
	KeepAlive llm.KeepAlive `json:"keep_alive,omitempty"`
}

// EmbedResponse is returned by /api/embed
type EmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// New creates an Ollama client. No request is made until the first call.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.KeepAlive == "" {
		opts.KeepAlive = defaultKeepAlive
	}
	if err := opts.KeepAlive.Validate(); err != nil {
		return nil, &llm.Error{Kind: llm.KindProtocol, Backend: backendName, Op: "configure", Err: err}
	}

	tr := transport.New(transport.Options{
		Backend:             backendName,
		BaseURL:             opts.BaseURL,
		Timeout:             opts.Timeout,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		Headers:             opts.Headers,
		Logger:              opts.Logger,
	})

	return &Client{
		options:   opts,
		transport: tr,
		logger:    tr.Logger(),
	}, nil
}

// NewClient creates an Ollama client from functional options
func NewClient(opts ...llm.ClientOption) (*Client, error) {
	return New(Options{ClientOptions: llm.ApplyOptions(opts...)})
}

// Name implements llm.Backend
func (c *Client) Name() string {
	return backendName
}

// BaseURL returns the server address
func (c *Client) BaseURL() string {
	return c.transport.BaseURL()
}

// Generate runs /api/generate without streaming
func (c *Client) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	const op = "generate"
	body, err := c.generateRequest(op, req, false)
	if err != nil {
		return nil, err
	}
	return c.complete(ctx, op, "/api/generate", body, req.Timeout)
}

// GenerateStream runs /api/generate as an NDJSON stream
func (c *Client) GenerateStream(ctx context.Context, req *llm.GenerationRequest) (*llm.Stream, error) {
	const op = "generate"
	body, err := c.generateRequest(op, req, true)
	if err != nil {
		return nil, err
	}
	return c.stream(ctx, op, "/api/generate", body, req.Timeout)
}

// Chat runs /api/chat without streaming
func (c *Client) Chat(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	const op = "chat"
	body, err := c.chatRequest(op, req, false)
	if err != nil {
		return nil, err
	}
	return c.complete(ctx, op, "/api/chat", body, req.Timeout)
}

// ChatStream runs /api/chat as an NDJSON stream
func (c *Client) ChatStream(ctx context.Context, req *llm.GenerationRequest) (*llm.Stream, error) {
	const op = "chat"
	body, err := c.chatRequest(op, req, true)
	if err != nil {
		return nil, err
	}
	return c.stream(ctx, op, "/api/chat", body, req.Timeout)
}

// ChatWithVision encodes images, attaches them to the last user message and runs Chat.
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
	return c.Chat(ctx, &vreq)
}

// Embed returns one vector per input from /api/embed
func (c *Client) Embed(ctx context.Context, model string, inputs []string) ([]llm.EmbeddingVector, error) {
	const op = "embed"
	model, err := c.model(op, model)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, llm.WithContext(llm.Protocolf(op, "at least one input is required"), backendName, op)
	}

	var resp EmbedResponse
	body := EmbedRequest{Model: model, Input: inputs, KeepAlive: c.options.KeepAlive}
	if err := c.transport.JSON(ctx, http.MethodPost, "/api/embed", body, &resp, 0); err != nil {
		return nil, llm.WithContext(err, backendName, op)
	}

	vectors := make([]llm.EmbeddingVector, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		vectors[i] = e
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

// Close releases idle connections
func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) complete(ctx context.Context, op, path string, body any, timeout time.Duration) (*llm.GenerationResult, error) {
	start := time.Now()
	var resp Response
	if err := c.transport.JSON(ctx, http.MethodPost, path, body, &resp, timeout); err != nil {
		return nil, llm.WithContext(err, backendName, op)
	}
	if resp.Error != "" {
		return nil, llm.WithContext(lineError(resp.Error), backendName, op)
	}

	res := resp.result()
	res.Text, res.Reasoning = resp.content()
	c.finish(res)

	c.logger.Debug("generation complete",
		"op", op, "model", res.Model, "duration", time.Since(start),
		"tokens", resp.EvalCount)
	return res, nil
}

func (c *Client) stream(ctx context.Context, op, path string, body any, timeout time.Duration) (*llm.Stream, error) {
	resp, err := c.transport.Send(ctx, http.MethodPost, path, body, timeout)
	if err != nil {
		return nil, llm.WithContext(err, backendName, op)
	}
	return llm.NewStream(newLineDecoder(op, resp), c.finish), nil
}

func (c *Client) finish(res *llm.GenerationResult) {
	if c.options.ExtractReasoning {
		llm.ApplyReasoningFallback(res)
	}
}

func (c *Client) chatRequest(op string, req *llm.GenerationRequest, stream bool) (*ChatRequest, error) {
	if err := llm.CheckChat(op, req); err != nil {
		return nil, llm.WithContext(err, backendName, op)
	}
	model, err := c.model(op, req.Model)
	if err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		wire := Message{Role: string(m.Role), Content: m.Content}
		for _, img := range m.Images {
			payload, err := rawImage(img)
			if err != nil {
				return nil, llm.WithContext(err, backendName, op)
			}
			wire.Images = append(wire.Images, payload)
		}
		msgs = append(msgs, wire)
	}

	return &ChatRequest{
		Model:     model,
		Messages:  msgs,
		Stream:    stream,
		KeepAlive: c.keepAlive(req.KeepAlive),
		Think:     req.Think,
		Options:   sampling(req),
	}, nil
}

func (c *Client) generateRequest(op string, req *llm.GenerationRequest, stream bool) (*GenerateRequest, error) {
	if err := llm.CheckGenerate(op, req); err != nil {
		return nil, llm.WithContext(err, backendName, op)
	}
	model, err := c.model(op, req.Model)
	if err != nil {
		return nil, err
	}
	return &GenerateRequest{
		Model:     model,
		Prompt:    req.Prompt,
		System:    req.System,
		Stream:    stream,
		KeepAlive: c.keepAlive(req.KeepAlive),
		Think:     req.Think,
		Options:   sampling(req),
	}, nil
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

func (c *Client) keepAlive(k llm.KeepAlive) llm.KeepAlive {
	if k != "" {
		return k
	}
	return c.options.KeepAlive
}

func (c *Client) deadline(req *llm.GenerationRequest) time.Duration {
	if req != nil && req.Timeout > 0 {
		return req.Timeout
	}
	return c.transport.Timeout()
}

// sampling converts request parameters to Ollama options
func sampling(req *llm.GenerationRequest) map[string]any {
	opts := make(map[string]any)
	if t := req.ClampedTemperature(); t != nil {
		opts["temperature"] = *t
	}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

// rawImage strips the data URL prefix; Ollama wants bare base64.
func rawImage(img string) (string, error) {
	u, err := imagecodec.Encode(imagecodec.FromString(img))
	if err != nil {
		return "", err
	}
	return imagecodec.Payload(u)
}

func (r *Response) content() (text, thinking string) {
	if r.Message != nil {
		return r.Message.Content, r.Message.Thinking
	}
	return r.Response, r.Thinking
}

func (r *Response) result() *llm.GenerationResult {
	reason := r.DoneReason
	if reason == "" && r.Done {
		reason = "stop"
	}
	return &llm.GenerationResult{
		Model:        r.Model,
		FinishReason: reason,
		Metrics:      r.metrics(),
	}
}

func (r *Response) metrics() *llm.Metrics {
	m := &llm.Metrics{}
	if r.PromptEvalCount > 0 {
		m.PromptTokens = llm.IntPtr(r.PromptEvalCount)
	}
	if r.EvalCount > 0 {
		m.TokensGenerated = llm.IntPtr(r.EvalCount)
	}
	if r.TotalDuration > 0 {
		m.Duration = llm.DurationPtr(time.Duration(r.TotalDuration))
	}
	if r.LoadDuration > 0 {
		m.LoadDuration = llm.DurationPtr(time.Duration(r.LoadDuration))
	}
	if r.PromptEvalDuration > 0 {
		m.TimeToFirstToken = llm.DurationPtr(time.Duration(r.LoadDuration + r.PromptEvalDuration))
	}
	m.TokensPerSecond = llm.Rate(r.EvalCount, time.Duration(r.EvalDuration))
	if m.Empty() {
		return nil
	}
	return m
}

func lineError(msg string) *llm.Error {
	if transport.IsMissingModel(0, msg, "") {
		return &llm.Error{Kind: llm.KindModelNotFound, Message: msg}
	}
	return &llm.Error{Kind: llm.KindProtocol, Message: msg}
}
