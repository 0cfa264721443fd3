package lmstudio

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/nachoal/localllm/llm"
	"github.com/nachoal/localllm/llm/transport"
)

const nativePrefix = "/api/v0"

// nativeFamily talks to LM Studio's /api/v0 REST surface
type nativeFamily struct {
	tr *transport.Client
}

func newNativeFamily(tr *transport.Client) *nativeFamily {
	return &nativeFamily{tr: tr}
}

// NativeModel is one entry of /api/v0/models
type NativeModel struct {
	ID                string `json:"id"`
	Object            string `json:"object"`
	Type              string `json:"type"` // llm, vlm, embeddings
	Publisher         string `json:"publisher"`
	Arch              string `json:"arch"`
	CompatibilityType string `json:"compatibility_type"`
	Quantization      string `json:"quantization"`
	State             string `json:"state"` // loaded, not-loaded
	MaxContextLength  int    `json:"max_context_length"`
}

// Stats is the in-band performance block of native responses
type Stats struct {
	TokensPerSecond  float64 `json:"tokens_per_second"`
	TimeToFirstToken float64 `json:"time_to_first_token"` // seconds
	GenerationTime   float64 `json:"generation_time"`     // seconds
	StopReason       string  `json:"stop_reason"`
}

// ModelInfo describes the model that served a native response
type ModelInfo struct {
	Arch          string `json:"arch"`
	Quant         string `json:"quant"`
	Format        string `json:"format"`
	ContextLength int    `json:"context_length"`
}

// Usage carries token counts
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// wireMessage carries either a string or a content-part array
type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
	TTL         *int          `json:"ttl,omitempty"`
}

type completionMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      completionMessage `json:"message"`
		Delta        completionMessage `json:"delta"`
		FinishReason *string           `json:"finish_reason"`
	} `json:"choices"`
	Usage     *Usage              `json:"usage,omitempty"`
	Stats     *Stats              `json:"stats,omitempty"`
	ModelInfo *ModelInfo          `json:"model_info,omitempty"`
	Error     jsoniter.RawMessage `json:"error,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (f *nativeFamily) kind() Family {
	return FamilyNative
}

func (f *nativeFamily) listModels(ctx context.Context) ([]llm.ModelDescriptor, error) {
	var resp struct {
		Data []NativeModel `json:"data"`
	}
	if err := f.tr.JSON(ctx, http.MethodGet, nativePrefix+"/models", nil, &resp, 0); err != nil {
		return nil, err
	}

	models := make([]llm.ModelDescriptor, 0, len(resp.Data))
	for _, m := range resp.Data {
		models = append(models, llm.ModelDescriptor{
			ID:            m.ID,
			State:         nativeState(m.State),
			Type:          m.Type,
			Architecture:  m.Arch,
			Quantization:  m.Quantization,
			Format:        m.CompatibilityType,
			ContextLength: m.MaxContextLength,
			Vision:        m.Type == "vlm" || isVisionModel(m.ID),
		})
	}
	return models, nil
}

func (f *nativeFamily) chat(ctx context.Context, call *chatCall) (*llm.GenerationResult, error) {
	var resp completionResponse
	if err := f.tr.JSON(ctx, http.MethodPost, nativePrefix+"/chat/completions", nativeRequest(call, false), &resp, call.timeout); err != nil {
		return nil, err
	}
	if hasError(resp.Error) {
		return nil, bodyError(resp.Error)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.Protocolf(call.op, "response has no choices")
	}

	choice := resp.Choices[0]
	var acc streamState
	acc.observe(&resp)
	res := acc.result()
	res.Text = choice.Message.Content
	res.Reasoning = choice.Message.ReasoningContent
	return res, nil
}

func (f *nativeFamily) chatStream(ctx context.Context, call *chatCall) (llm.Decoder, error) {
	resp, err := f.tr.Send(ctx, http.MethodPost, nativePrefix+"/chat/completions", nativeRequest(call, true), call.timeout)
	if err != nil {
		return nil, err
	}
	return &sseDecoder{op: call.op, resp: resp, sc: resp.Lines()}, nil
}

func (f *nativeFamily) embed(ctx context.Context, model string, inputs []string) ([]llm.EmbeddingVector, error) {
	var resp embeddingResponse
	body := map[string]any{"model": model, "input": inputs}
	if err := f.tr.JSON(ctx, http.MethodPost, nativePrefix+"/embeddings", body, &resp, 0); err != nil {
		return nil, err
	}
	sort.SliceStable(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })

	vectors := make([]llm.EmbeddingVector, len(resp.Data))
	for i, d := range resp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

func nativeRequest(call *chatCall, stream bool) *completionRequest {
	msgs := make([]wireMessage, 0, len(call.messages))
	for _, m := range call.messages {
		msgs = append(msgs, wireMessage{Role: string(m.Role), Content: messageContent(m)})
	}
	return &completionRequest{
		Model:       call.model,
		Messages:    msgs,
		Temperature: call.temperature,
		MaxTokens:   call.maxTokens,
		Stream:      stream,
		TTL:         call.ttl,
	}
}

// messageContent returns plain text, or text plus image_url parts when the
// message carries images
func messageContent(m llm.Message) any {
	if len(m.Images) == 0 {
		return m.Content
	}
	parts := make([]contentPart, 0, len(m.Images)+1)
	if m.Content != "" {
		parts = append(parts, contentPart{Type: "text", Text: m.Content})
	}
	for _, u := range m.Images {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: u}})
	}
	return parts
}

func nativeState(s string) llm.LoadState {
	switch strings.ReplaceAll(strings.ToLower(s), "_", "-") {
	case "loaded":
		return llm.LoadStateLoaded
	case "loading":
		return llm.LoadStateLoading
	case "unloading":
		return llm.LoadStateUnloading
	default:
		return llm.LoadStateNotLoaded
	}
}

func hasError(raw jsoniter.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && string(raw) != "null"
}

func bodyError(raw []byte) *llm.Error {
	wrapped := append(append([]byte(`{"error":`), raw...), '}')
	msg, code := transport.ParseErrorBody(wrapped)
	if msg == "" {
		msg = string(raw)
	}
	if transport.IsMissingModel(0, msg, code) {
		return &llm.Error{Kind: llm.KindModelNotFound, Message: msg}
	}
	return &llm.Error{Kind: llm.KindProtocol, Message: msg}
}

// streamState accumulates the metadata spread across stream events
type streamState struct {
	model  string
	finish string
	usage  *Usage
	stats  *Stats
}

func (s *streamState) observe(r *completionResponse) {
	if r.Model != "" {
		s.model = r.Model
	}
	if r.Usage != nil {
		s.usage = r.Usage
	}
	if r.Stats != nil {
		s.stats = r.Stats
	}
	for _, ch := range r.Choices {
		if ch.FinishReason != nil && *ch.FinishReason != "" {
			s.finish = *ch.FinishReason
		}
	}
}

func (s *streamState) result() *llm.GenerationResult {
	res := &llm.GenerationResult{Model: s.model, FinishReason: s.finish}
	if res.FinishReason == "" && s.stats != nil {
		res.FinishReason = s.stats.StopReason
	}

	m := &llm.Metrics{}
	var generated int
	if s.usage != nil {
		if s.usage.PromptTokens > 0 {
			m.PromptTokens = llm.IntPtr(s.usage.PromptTokens)
		}
		if s.usage.CompletionTokens > 0 {
			generated = s.usage.CompletionTokens
			m.TokensGenerated = llm.IntPtr(generated)
		}
	}
	if s.stats != nil {
		if s.stats.TokensPerSecond > 0 {
			m.TokensPerSecond = llm.Float64Ptr(s.stats.TokensPerSecond)
		}
		if s.stats.TimeToFirstToken > 0 {
			m.TimeToFirstToken = llm.DurationPtr(seconds(s.stats.TimeToFirstToken))
		}
		if s.stats.GenerationTime > 0 {
			m.Duration = llm.DurationPtr(seconds(s.stats.GenerationTime))
		}
	}
	if m.TokensPerSecond == nil && m.Duration != nil {
		m.TokensPerSecond = llm.Rate(generated, *m.Duration)
	}
	if !m.Empty() {
		res.Metrics = m
	}
	return res
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// sseDecoder reassembles server-sent chat completion chunks. Events with
// no text are folded into the stream state instead of being emitted.
type sseDecoder struct {
	op    string
	resp  *transport.Response
	sc    *bufio.Scanner
	state streamState
}

func (d *sseDecoder) Next() (llm.Chunk, error) {
	for d.sc.Scan() {
		line := bytes.TrimSpace(d.sc.Bytes())
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		data, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}
		data = bytes.TrimSpace(data)
		if string(data) == "[DONE]" {
			return llm.Chunk{Done: true, Result: d.state.result()}, nil
		}

		var ev completionResponse
		if err := transport.Unmarshal(data, &ev); err != nil {
			return llm.Chunk{}, &llm.Error{
				Kind:    llm.KindProtocol,
				Backend: backendName,
				Op:      d.op,
				Message: "malformed stream event",
				Body:    string(data),
				Err:     err,
			}
		}
		if hasError(ev.Error) {
			return llm.Chunk{}, llm.WithContext(bodyError(ev.Error), backendName, d.op)
		}
		d.state.observe(&ev)

		var chunk llm.Chunk
		if len(ev.Choices) > 0 {
			chunk.Text = ev.Choices[0].Delta.Content
			chunk.Reasoning = ev.Choices[0].Delta.ReasoningContent
		}
		if chunk.Text == "" && chunk.Reasoning == "" {
			continue
		}
		return chunk, nil
	}

	if err := d.resp.Context().Err(); err != nil {
		return llm.Chunk{}, llm.WithContext(transport.Classify(err), backendName, d.op)
	}
	if err := d.sc.Err(); err != nil {
		return llm.Chunk{}, llm.WithContext(transport.Classify(err), backendName, d.op)
	}
	// Some server versions close the body without [DONE] after the final choice.
	if d.state.finish != "" {
		return llm.Chunk{Done: true, Result: d.state.result()}, nil
	}
	return llm.Chunk{}, io.EOF
}

func (d *sseDecoder) Close() error {
	return d.resp.Close()
}
