package lmstudio

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/nachoal/localllm/llm"
	"github.com/nachoal/localllm/llm/transport"
)

// LM Studio ignores the key but the SDK requires one.
const compatibleAPIKey = "lm-studio"

// compatibleFamily talks to the OpenAI-compatible /v1 surface through the
// openai-go SDK, sharing the transport's connection pool.
type compatibleFamily struct {
	client openai.Client
	tr     *transport.Client
}

func newCompatibleFamily(tr *transport.Client) *compatibleFamily {
	client := openai.NewClient(
		option.WithBaseURL(tr.BaseURL()+"/v1/"),
		option.WithAPIKey(compatibleAPIKey),
		option.WithHTTPClient(tr.HTTPClient()),
		option.WithMaxRetries(0),
	)
	return &compatibleFamily{client: client, tr: tr}
}

func (f *compatibleFamily) kind() Family {
	return FamilyCompatible
}

func (f *compatibleFamily) listModels(ctx context.Context) ([]llm.ModelDescriptor, error) {
	ctx, cancel := f.callContext(ctx, 0)
	defer cancel()

	page, err := f.client.Models.List(ctx)
	if err != nil {
		return nil, compatibleError(err)
	}

	models := make([]llm.ModelDescriptor, 0, len(page.Data))
	for _, m := range page.Data {
		d := llm.ModelDescriptor{
			ID:     m.ID,
			State:  llm.LoadStateUnknown,
			Type:   "llm",
			Vision: isVisionModel(m.ID),
		}
		switch {
		case strings.Contains(strings.ToLower(m.ID), "embed"):
			d.Type = "embeddings"
		case d.Vision:
			d.Type = "vlm"
		}
		models = append(models, d)
	}
	return models, nil
}

func (f *compatibleFamily) chat(ctx context.Context, call *chatCall) (*llm.GenerationResult, error) {
	ctx, cancel := f.callContext(ctx, call.timeout)
	defer cancel()

	resp, err := f.client.Chat.Completions.New(ctx, compatibleParams(call, false), ttlOption(call.ttl)...)
	if err != nil {
		return nil, compatibleError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, llm.Protocolf(call.op, "response has no choices")
	}

	choice := resp.Choices[0]
	res := &llm.GenerationResult{
		Text:         choice.Message.Content,
		Reasoning:    reasoningContent(choice.Message.RawJSON()),
		Model:        resp.Model,
		FinishReason: string(choice.FinishReason),
		Metrics:      usageMetrics(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}
	return res, nil
}

func (f *compatibleFamily) chatStream(ctx context.Context, call *chatCall) (llm.Decoder, error) {
	ctx, cancel := f.callContext(ctx, call.timeout)
	stream := f.client.Chat.Completions.NewStreaming(ctx, compatibleParams(call, true), ttlOption(call.ttl)...)
	if err := stream.Err(); err != nil {
		stream.Close()
		cancel()
		return nil, compatibleError(err)
	}
	return &sdkDecoder{op: call.op, ctx: ctx, stream: stream, cancel: cancel}, nil
}

func (f *compatibleFamily) embed(ctx context.Context, model string, inputs []string) ([]llm.EmbeddingVector, error) {
	ctx, cancel := f.callContext(ctx, 0)
	defer cancel()

	resp, err := f.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: inputs,
		},
	})
	if err != nil {
		return nil, compatibleError(err)
	}

	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	vectors := make([]llm.EmbeddingVector, len(data))
	for i, d := range data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// callContext applies the per-call deadline, or the client default
func (f *compatibleFamily) callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = f.tr.Timeout()
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func compatibleParams(call *chatCall, stream bool) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:    call.model,
		Messages: compatibleMessages(call.messages),
	}
	if stream {
		params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		}
	}
	if call.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(call.maxTokens))
	}
	if call.temperature != nil {
		params.Temperature = openai.Float(*call.temperature)
	}
	return params
}

func compatibleMessages(msgs []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case llm.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			if len(m.Images) == 0 {
				out = append(out, openai.UserMessage(m.Content))
				continue
			}
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Images)+1)
			if m.Content != "" {
				parts = append(parts, openai.TextContentPart(m.Content))
			}
			for _, u := range m.Images {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: u}))
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfUser: &openai.ChatCompletionUserMessageParam{
					Content: openai.ChatCompletionUserMessageParamContentUnion{
						OfArrayOfContentParts: parts,
					},
				},
			})
		}
	}
	return out
}

// ttlOption adds LM Studio's ttl extension to the request body
func ttlOption(ttl *int) []option.RequestOption {
	if ttl == nil {
		return nil
	}
	return []option.RequestOption{option.WithJSONSet("ttl", *ttl)}
}

// reasoningContent reads the reasoning_content extension from a raw
// message or delta, which the SDK types do not model.
func reasoningContent(raw string) string {
	if raw == "" {
		return ""
	}
	var ext struct {
		ReasoningContent string `json:"reasoning_content"`
	}
	if err := transport.Unmarshal([]byte(raw), &ext); err != nil {
		return ""
	}
	return ext.ReasoningContent
}

func usageMetrics(prompt, completion int64) *llm.Metrics {
	m := &llm.Metrics{}
	if prompt > 0 {
		m.PromptTokens = llm.IntPtr(int(prompt))
	}
	if completion > 0 {
		m.TokensGenerated = llm.IntPtr(int(completion))
	}
	if m.Empty() {
		return nil
	}
	return m
}

// compatibleError maps SDK errors onto the shared error kinds
func compatibleError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return transport.Classify(err)
	}
	msg := strings.TrimSpace(apiErr.Message)
	if msg == "" {
		msg = err.Error()
	}
	if transport.IsMissingModel(apiErr.StatusCode, msg, apiErr.Code) {
		return &llm.Error{Kind: llm.KindModelNotFound, Status: apiErr.StatusCode, Message: msg, Err: err}
	}
	return &llm.Error{Kind: llm.KindProtocol, Status: apiErr.StatusCode, Message: msg, Err: err}
}

// sdkDecoder adapts the SDK's event stream. The call context is released
// when the decoder is closed.
type sdkDecoder struct {
	op     string
	ctx    context.Context
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	cancel context.CancelFunc

	model  string
	finish string
	usage  *llm.Metrics
}

func (d *sdkDecoder) Next() (llm.Chunk, error) {
	for d.stream.Next() {
		ev := d.stream.Current()
		if ev.Model != "" {
			d.model = ev.Model
		}
		if m := usageMetrics(ev.Usage.PromptTokens, ev.Usage.CompletionTokens); m != nil {
			d.usage = m
		}
		if len(ev.Choices) == 0 {
			continue
		}

		choice := ev.Choices[0]
		if choice.FinishReason != "" {
			d.finish = string(choice.FinishReason)
		}
		chunk := llm.Chunk{
			Text:      choice.Delta.Content,
			Reasoning: reasoningContent(choice.Delta.RawJSON()),
		}
		if chunk.Text == "" && chunk.Reasoning == "" {
			continue
		}
		return chunk, nil
	}

	if err := d.ctx.Err(); err != nil {
		return llm.Chunk{}, llm.WithContext(transport.Classify(err), backendName, d.op)
	}
	if err := d.stream.Err(); err != nil {
		return llm.Chunk{}, llm.WithContext(compatibleError(err), backendName, d.op)
	}
	// The SDK swallows [DONE]; a clean end is only trusted after a finish reason.
	if d.finish == "" {
		return llm.Chunk{}, io.EOF
	}
	return llm.Chunk{Done: true, Result: &llm.GenerationResult{
		Model:        d.model,
		FinishReason: d.finish,
		Metrics:      d.usage,
	}}, nil
}

func (d *sdkDecoder) Close() error {
	err := d.stream.Close()
	d.cancel()
	return err
}
