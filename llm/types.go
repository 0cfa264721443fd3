package llm

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Role represents the role of a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a chat message.
// Images holds already-encoded data URLs (see package imagecodec).
type Message struct {
	Role    Role     `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

// NewMessage creates a text-only message
func NewMessage(role Role, content string) Message {
	return Message{Role: role, Content: content}
}

// LoadState is the residency state of a model on the server
type LoadState string

const (
	// LoadStateUnknown means the endpoint family does not report residency.
	LoadStateUnknown   LoadState = ""
	LoadStateNotLoaded LoadState = "not_loaded"
	LoadStateLoading   LoadState = "loading"
	LoadStateLoaded    LoadState = "loaded"
	LoadStateUnloading LoadState = "unloading"
)

// ModelDescriptor describes a model known to a backend.
// It is rebuilt on every ListModels call.
type ModelDescriptor struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"display_name,omitempty"`
	State         LoadState `json:"state,omitempty"`
	Type          string    `json:"type,omitempty"` // llm, vlm, embeddings
	Architecture  string    `json:"architecture,omitempty"`
	Quantization  string    `json:"quantization,omitempty"`
	Format        string    `json:"format,omitempty"`
	ContextLength int       `json:"context_length,omitempty"`
	SizeBytes     int64     `json:"size_bytes,omitempty"`
	Vision        bool      `json:"vision,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
}

// Name returns the display name, falling back to the identifier
func (m ModelDescriptor) Name() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.ID
}

// GenerationRequest is the backend-neutral request for generate and chat calls.
type GenerationRequest struct {
	Model    string
	Messages []Message

	// Prompt and System are used by single-turn Generate calls.
	Prompt string
	System string

	// Temperature is clamped into [MinTemperature, MaxTemperature]; nil uses the server default.
	Temperature *float64
	MaxTokens   int

	// KeepAlive overrides the client default residency for this call.
	KeepAlive KeepAlive

	Stream bool
	Think  *bool

	// Timeout bounds the whole call, including reading a stream. Zero uses the client default.
	Timeout time.Duration
}

// GenerationResult is the normalized outcome of a generation call
type GenerationResult struct {
	Text         string   `json:"text"`
	Reasoning    string   `json:"reasoning,omitempty"`
	Model        string   `json:"model,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
	Metrics      *Metrics `json:"metrics,omitempty"`
}

// Metrics holds best-effort performance statistics.
// A nil field means the backend did not report it.
type Metrics struct {
	PromptTokens     *int           `json:"prompt_tokens,omitempty"`
	TokensGenerated  *int           `json:"tokens_generated,omitempty"`
	Duration         *time.Duration `json:"duration,omitempty"`
	LoadDuration     *time.Duration `json:"load_duration,omitempty"`
	TimeToFirstToken *time.Duration `json:"time_to_first_token,omitempty"`
	TokensPerSecond  *float64       `json:"tokens_per_second,omitempty"`
}

// Empty reports whether no metric was populated
func (m *Metrics) Empty() bool {
	return m == nil || (m.PromptTokens == nil && m.TokensGenerated == nil && m.Duration == nil &&
		m.LoadDuration == nil && m.TimeToFirstToken == nil && m.TokensPerSecond == nil)
}

// EmbeddingVector is an ordered sequence of floats with a fixed per-model dimensionality
type EmbeddingVector []float64

const (
	MinTemperature = 0.0
	MaxTemperature = 2.0
)

// ClampTemperature bounds t into the accepted range
func ClampTemperature(t float64) float64 {
	switch {
	case t < MinTemperature:
		return MinTemperature
	case t > MaxTemperature:
		return MaxTemperature
	default:
		return t
	}
}

// KeepAlive is a residency duration such as "5m", "1h", "-1" (indefinite) or "0" (unload after the call).
// Bare integers are seconds. The empty value means "use the client default".
type KeepAlive string

const (
	KeepAliveForever KeepAlive = "-1"
	KeepAliveNone    KeepAlive = "0"
)

// Seconds converts the keep-alive into whole seconds. Negative durations become -1.
func (k KeepAlive) Seconds() (int, error) {
	s := strings.TrimSpace(string(k))
	if s == "" {
		return 0, fmt.Errorf("empty keep-alive")
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return -1, nil
		}
		return n, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid keep-alive %q: %w", s, err)
	}
	if d < 0 {
		return -1, nil
	}
	return int(d / time.Second), nil
}

// Validate checks the keep-alive is empty or parseable
func (k KeepAlive) Validate() error {
	if k == "" {
		return nil
	}
	_, err := k.Seconds()
	return err
}

// MarshalJSON sends integer keep-alives as JSON numbers and durations as strings
func (k KeepAlive) MarshalJSON() ([]byte, error) {
	s := strings.TrimSpace(string(k))
	if _, err := strconv.Atoi(s); err == nil {
		return []byte(s), nil
	}
	return []byte(strconv.Quote(s)), nil
}

// Float64Ptr returns a pointer to v
func Float64Ptr(v float64) *float64 {
	return &v
}

// BoolPtr returns a pointer to v
func BoolPtr(v bool) *bool {
	return &v
}

// IntPtr returns a pointer to v
func IntPtr(v int) *int {
	return &v
}

// DurationPtr returns a pointer to d
func DurationPtr(d time.Duration) *time.Duration {
	return &d
}

// Rate computes tokens per second, or nil when either side is unknown
func Rate(tokens int, d time.Duration) *float64 {
	if tokens <= 0 || d <= 0 {
		return nil
	}
	r := float64(tokens) / d.Seconds()
	return &r
}

// ClientOptions contains options shared by every backend client
type ClientOptions struct {
	BaseURL      string
	Timeout      time.Duration
	DefaultModel string
	Headers      map[string]string
	Logger       *slog.Logger

	// MaxIdleConnsPerHost sizes the transport's connection pool.
	MaxIdleConnsPerHost int

	// ExtractReasoning enables the regex fallback that splits <think> blocks
	// out of the text when the server does not separate reasoning natively.
	// The split runs on the assembled result only. Streamed chunks keep the
	// raw text with its tags, so their concatenation differs from Result.Text
	// whenever a split happens.
	ExtractReasoning bool
}

// ClientOption is a functional option for configuring clients
type ClientOption func(*ClientOptions)

// ApplyOptions builds ClientOptions from functional options
func ApplyOptions(opts ...ClientOption) ClientOptions {
	var o ClientOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithBaseURL sets the base URL
func WithBaseURL(url string) ClientOption {
	return func(o *ClientOptions) {
		o.BaseURL = url
	}
}

// WithTimeout sets the default per-call timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(o *ClientOptions) {
		o.Timeout = timeout
	}
}

// WithModel sets the default model
func WithModel(model string) ClientOption {
	return func(o *ClientOptions) {
		o.DefaultModel = model
	}
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(o *ClientOptions) {
		o.Logger = logger
	}
}

// WithReasoningExtraction toggles the <think> tag fallback. It rewrites the
// final result of a stream, not the chunks already delivered.
func WithReasoningExtraction(enabled bool) ClientOption {
	return func(o *ClientOptions) {
		o.ExtractReasoning = enabled
	}
}

// WithMaxIdleConnsPerHost sizes the connection pool
func WithMaxIdleConnsPerHost(n int) ClientOption {
	return func(o *ClientOptions) {
		o.MaxIdleConnsPerHost = n
	}
}

// WithHeaders sets additional headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(o *ClientOptions) {
		if o.Headers == nil {
			o.Headers = make(map[string]string)
		}
		for k, v := range headers {
			o.Headers[k] = v
		}
	}
}
