package lmstudio

import (
	"context"
	"net/http"
	"time"

	"github.com/nachoal/localllm/llm"
)

type loadRequest struct {
	Model         string         `json:"model"`
	GPUOffload    llm.GPUOffload `json:"gpu_offload,omitempty"`
	ContextLength int            `json:"context_length,omitempty"`
	TTL           *int           `json:"ttl,omitempty"`
}

// LoadModel asks the server to load a model with explicit placement. Both
// families use the native load endpoint; /v1 has no equivalent. Later calls
// for the model without a keep-alive override repeat the load-time ttl.
func (c *Client) LoadModel(ctx context.Context, opts llm.LoadOptions) error {
	const op = "load"
	model, err := c.model(op, opts.Model)
	if err != nil {
		return err
	}
	if err := opts.GPUOffload.Validate(); err != nil {
		return &llm.Error{Kind: llm.KindProtocol, Backend: backendName, Op: op, Err: err}
	}
	if opts.ContextLength < 0 {
		return llm.WithContext(llm.Protocolf(op, "context length must not be negative"), backendName, op)
	}

	ttl := c.ttl
	if opts.TTL != nil {
		if *opts.TTL < -1 {
			return llm.WithContext(llm.Protocolf(op, "ttl must be -1, 0 or positive, got %d", *opts.TTL), backendName, op)
		}
		ttl = *opts.TTL
	}

	body := loadRequest{
		Model:         model,
		GPUOffload:    opts.GPUOffload,
		ContextLength: opts.ContextLength,
		TTL:           wireTTL(ttl),
	}
	start := time.Now()
	if err := c.transport.JSON(ctx, http.MethodPost, nativePrefix+"/models/load", body, nil, 0); err != nil {
		return llm.WithContext(err, backendName, op)
	}
	c.setResidentTTL(model, ttl, true)
	c.logger.Info("model loaded", "model", model, "gpu_offload", string(opts.GPUOffload),
		"context_length", opts.ContextLength, "ttl", ttl, "duration", time.Since(start))
	return nil
}

// Preload loads the model with server-chosen placement and the default ttl
func (c *Client) Preload(ctx context.Context, model string) error {
	return c.LoadModel(ctx, llm.LoadOptions{Model: model})
}

// Unload implements llm.Backend through UnloadModel
func (c *Client) Unload(ctx context.Context, model string) error {
	return c.UnloadModel(ctx, model)
}

// UnloadModel evicts the model right away, whatever its ttl
func (c *Client) UnloadModel(ctx context.Context, model string) error {
	const op = "unload"
	model, err := c.model(op, model)
	if err != nil {
		return err
	}
	body := map[string]string{"model": model}
	if err := c.transport.JSON(ctx, http.MethodPost, nativePrefix+"/models/unload", body, nil, 0); err != nil {
		return llm.WithContext(err, backendName, op)
	}
	c.setResidentTTL(model, 0, false)
	c.logger.Info("model unloaded", "model", model)
	return nil
}

// Status summarizes what the server reports about itself
type Status struct {
	Reachable bool
	Family    Family
	BaseURL   string
	Models    int
	Loaded    []string // empty on the compatible family
}

// ServerStatus lists models and reports which ones are resident. An
// unreachable server is reported with Reachable false and the error.
func (c *Client) ServerStatus(ctx context.Context) (*Status, error) {
	st := &Status{Family: c.Family(), BaseURL: c.BaseURL()}
	models, err := c.ListModels(ctx)
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
