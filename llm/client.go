package llm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Backend defines the contract every local inference backend implements.
type Backend interface {
	// Name identifies the backend ("ollama", "lmstudio").
	Name() string

	// ListModels returns the server inventory with residency state.
	ListModels(ctx context.Context) ([]ModelDescriptor, error)

	// Generate runs a single-turn completion from req.Prompt.
	Generate(ctx context.Context, req *GenerationRequest) (*GenerationResult, error)

	// GenerateStream is Generate delivered as a stream of chunks.
	GenerateStream(ctx context.Context, req *GenerationRequest) (*Stream, error)

	// Chat runs a multi-turn completion from req.Messages.
	Chat(ctx context.Context, req *GenerationRequest) (*GenerationResult, error)

	// ChatStream is Chat delivered as a stream of chunks.
	ChatStream(ctx context.Context, req *GenerationRequest) (*Stream, error)

	// Embed returns one vector per input, in input order.
	Embed(ctx context.Context, model string, inputs []string) ([]EmbeddingVector, error)

	// ChatWithVision attaches images (paths, data URLs or base64) to the
	// last user message and runs Chat.
	ChatWithVision(ctx context.Context, req *GenerationRequest, images ...string) (*GenerationResult, error)

	// Preload forces the model into memory ahead of the first request.
	Preload(ctx context.Context, model string) error

	// Unload evicts the model from memory.
	Unload(ctx context.Context, model string) error

	// Health checks that the server answers.
	Health(ctx context.Context) error

	// Close releases idle connections.
	Close() error
}

// Loader is implemented by backends that accept explicit load parameters.
type Loader interface {
	LoadModel(ctx context.Context, opts LoadOptions) error
}

// LoadOptions configures an explicit model load.
type LoadOptions struct {
	Model         string
	GPUOffload    GPUOffload
	ContextLength int
	// TTL in seconds: -1 keeps the model until unloaded, 0 unloads it after
	// the next response, nil uses the client default.
	TTL *int
}

// GPUOffload is "max", "off" or a non-negative layer count.
type GPUOffload string

const (
	GPUOffloadMax GPUOffload = "max"
	GPUOffloadOff GPUOffload = "off"
)

// GPULayers returns an offload hint for n layers
func GPULayers(n int) GPUOffload {
	return GPUOffload(strconv.Itoa(n))
}

// Layers returns the layer count when the hint is numeric.
func (g GPUOffload) Layers() (int, bool) {
	n, err := strconv.Atoi(string(g))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Validate checks the hint is empty, "max", "off" or a layer count.
func (g GPUOffload) Validate() error {
	switch strings.ToLower(string(g)) {
	case "", string(GPUOffloadMax), string(GPUOffloadOff):
		return nil
	}
	if _, ok := g.Layers(); ok {
		return nil
	}
	return fmt.Errorf("invalid gpu offload %q: want max, off or a layer count", string(g))
}

// MarshalJSON sends layer counts as numbers and keywords as strings.
func (g GPUOffload) MarshalJSON() ([]byte, error) {
	if n, ok := g.Layers(); ok {
		return []byte(strconv.Itoa(n)), nil
	}
	return []byte(strconv.Quote(strings.ToLower(string(g)))), nil
}
