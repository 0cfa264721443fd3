package ollama

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/nachoal/localllm/llm"
)

// ModelDetails is the details block shared by /api/tags, /api/ps and /api/show
type ModelDetails struct {
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	Families          []string `json:"families"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
}

// ModelEntry is one model in /api/tags or /api/ps
type ModelEntry struct {
	Name       string       `json:"name"`
	Model      string       `json:"model"`
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size"`
	SizeVRAM   int64        `json:"size_vram,omitempty"`
	Digest     string       `json:"digest"`
	ExpiresAt  time.Time    `json:"expires_at,omitempty"`
	Details    ModelDetails `json:"details"`
}

type listResponse struct {
	Models []ModelEntry `json:"models"`
}

// ShowResponse is returned by /api/show
type ShowResponse struct {
	Details      ModelDetails   `json:"details"`
	ModelInfo    map[string]any `json:"model_info"`
	Capabilities []string       `json:"capabilities"`
}

// ListModels merges the installed inventory (/api/tags) with the resident
// set (/api/ps). A resident model whose expiry has passed is reported as
// unloading; the server evicts it shortly after.
func (c *Client) ListModels(ctx context.Context) ([]llm.ModelDescriptor, error) {
	const op = "list_models"

	var tags listResponse
	if err := c.transport.JSON(ctx, http.MethodGet, "/api/tags", nil, &tags, 0); err != nil {
		return nil, llm.WithContext(err, backendName, op)
	}
	var ps listResponse
	if err := c.transport.JSON(ctx, http.MethodGet, "/api/ps", nil, &ps, 0); err != nil {
		return nil, llm.WithContext(err, backendName, op)
	}

	running := make(map[string]ModelEntry, len(ps.Models))
	for _, m := range ps.Models {
		running[m.id()] = m
	}

	now := time.Now()
	models := make([]llm.ModelDescriptor, 0, len(tags.Models))
	seen := make(map[string]bool, len(tags.Models))
	for _, m := range tags.Models {
		d := m.descriptor()
		d.State = llm.LoadStateNotLoaded
		if r, ok := running[m.id()]; ok {
			d.State = residency(r, now)
			d.ExpiresAt = r.ExpiresAt
		}
		seen[m.id()] = true
		models = append(models, d)
	}
	for _, r := range ps.Models {
		if seen[r.id()] {
			continue
		}
		d := r.descriptor()
		d.State = residency(r, now)
		d.ExpiresAt = r.ExpiresAt
		models = append(models, d)
	}

	c.logger.Debug("listed models", "count", len(models), "running", len(ps.Models))
	return models, nil
}

// ShowModel returns architecture, quantization and context window for one model
func (c *Client) ShowModel(ctx context.Context, model string) (*llm.ModelDescriptor, error) {
	const op = "show_model"
	model, err := c.model(op, model)
	if err != nil {
		return nil, err
	}

	var resp ShowResponse
	body := map[string]string{"model": model}
	if err := c.transport.JSON(ctx, http.MethodPost, "/api/show", body, &resp, 0); err != nil {
		return nil, llm.WithContext(err, backendName, op)
	}

	d := &llm.ModelDescriptor{
		ID:           model,
		Format:       resp.Details.Format,
		Architecture: resp.Details.Family,
		Quantization: resp.Details.QuantizationLevel,
		Vision:       slices.Contains(resp.Capabilities, "vision") || isVisionModel(model, resp.Details.Families),
	}
	if arch, ok := resp.ModelInfo["general.architecture"].(string); ok && arch != "" {
		d.Architecture = arch
		if n, ok := resp.ModelInfo[arch+".context_length"].(float64); ok {
			d.ContextLength = int(n)
		}
	}
	if slices.Contains(resp.Capabilities, "embedding") {
		d.Type = "embeddings"
	}
	return d, nil
}

// Preload sends an empty generation so the server loads the weights and
// keeps them for the default keep-alive.
func (c *Client) Preload(ctx context.Context, model string) error {
	return c.setResidency(ctx, "preload", model, c.options.KeepAlive)
}

// Unload asks the server to evict the model right away
func (c *Client) Unload(ctx context.Context, model string) error {
	return c.setResidency(ctx, "unload", model, llm.KeepAliveNone)
}

// KeepAlive loads model (if needed) and sets its residency to keepAlive
func (c *Client) KeepAlive(ctx context.Context, model string, keepAlive llm.KeepAlive) error {
	if err := keepAlive.Validate(); err != nil {
		return &llm.Error{Kind: llm.KindProtocol, Backend: backendName, Op: "keep_alive", Err: err}
	}
	return c.setResidency(ctx, "keep_alive", model, keepAlive)
}

func (c *Client) setResidency(ctx context.Context, op, model string, keepAlive llm.KeepAlive) error {
	model, err := c.model(op, model)
	if err != nil {
		return err
	}
	body := GenerateRequest{Model: model, KeepAlive: keepAlive}

	start := time.Now()
	var resp Response
	if err := c.transport.JSON(ctx, http.MethodPost, "/api/generate", body, &resp, 0); err != nil {
		return llm.WithContext(err, backendName, op)
	}
	if resp.Error != "" {
		return llm.WithContext(lineError(resp.Error), backendName, op)
	}
	c.logger.Debug("residency changed", "op", op, "model", model,
		"keep_alive", string(keepAlive), "duration", time.Since(start))
	return nil
}

// Version returns the server version string
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.transport.JSON(ctx, http.MethodGet, "/api/version", nil, &resp, 0); err != nil {
		return "", llm.WithContext(err, backendName, "version")
	}
	if resp.Version == "" {
		return "", llm.WithContext(llm.Protocolf("version", "empty version in response"), backendName, "version")
	}
	return resp.Version, nil
}

// Health checks that the server answers /api/version
func (c *Client) Health(ctx context.Context) error {
	_, err := c.Version(ctx)
	return err
}

func (m ModelEntry) id() string {
	if m.Name != "" {
		return m.Name
	}
	return m.Model
}

func (m ModelEntry) descriptor() llm.ModelDescriptor {
	d := llm.ModelDescriptor{
		ID:           m.id(),
		DisplayName:  displayName(m),
		Format:       m.Details.Format,
		Architecture: m.Details.Family,
		Quantization: m.Details.QuantizationLevel,
		SizeBytes:    m.Size,
		Vision:       isVisionModel(m.id(), m.Details.Families),
		Type:         "llm",
	}
	if d.Vision {
		d.Type = "vlm"
	}
	if strings.Contains(strings.ToLower(d.ID), "embed") {
		d.Type = "embeddings"
	}
	return d
}

func residency(m ModelEntry, now time.Time) llm.LoadState {
	if !m.ExpiresAt.IsZero() && m.ExpiresAt.Before(now) {
		return llm.LoadStateUnloading
	}
	return llm.LoadStateLoaded
}

func displayName(m ModelEntry) string {
	if m.Details.ParameterSize == "" {
		return m.id()
	}
	return fmt.Sprintf("%s (%s, %s)", m.id(), m.Details.ParameterSize, formatBytes(m.Size))
}

// formatBytes formats bytes to human readable string
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// isVisionModel reports whether the model is likely vision-capable
func isVisionModel(name string, families []string) bool {
	for _, f := range families {
		if f == "clip" || f == "mllama" {
			return true
		}
	}
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "llava"),
		strings.Contains(n, "bakllava"),
		strings.Contains(n, "moondream"),
		strings.Contains(n, ":vision"),
		strings.Contains(n, "-vision"):
		return true
	default:
		return false
	}
}
