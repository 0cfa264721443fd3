package unified

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nachoal/localllm/llm"
)

// fakeServer speaks just enough of both backends' APIs for the facade.
type fakeServer struct {
	mu     sync.Mutex
	bodies map[string]map[string]any
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	t.Helper()
	f := &fakeServer{bodies: make(map[string]map[string]any)}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) body(path string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[path]
}

func (f *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if r.Method == http.MethodPost {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	f.mu.Lock()
	f.bodies[r.URL.Path] = body
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	switch r.URL.Path {
	case "/api/version":
		_ = enc.Encode(map[string]string{"version": "0.6.2"})
	case "/api/tags":
		_ = enc.Encode(map[string]any{"models": []map[string]any{{"name": "m1"}, {"name": "m2"}}})
	case "/api/ps":
		_ = enc.Encode(map[string]any{"models": []map[string]any{{"name": "m1"}}})
	case "/api/generate":
		_ = enc.Encode(map[string]any{"model": body["model"], "response": "", "done": true})
	case "/api/chat":
		if stream, _ := body["stream"].(bool); stream {
			for _, tok := range []string{"Hel", "lo"} {
				_ = enc.Encode(map[string]any{"message": map[string]any{"role": "assistant", "content": tok}, "done": false})
			}
			_ = enc.Encode(map[string]any{"message": map[string]any{"role": "assistant", "content": ""}, "done": true, "done_reason": "stop"})
			return
		}
		_ = enc.Encode(map[string]any{"model": body["model"], "message": map[string]any{"role": "assistant", "content": "Hello"}, "done": true, "done_reason": "stop"})
	case "/api/embed":
		inputs, _ := body["input"].([]any)
		vecs := make([][]float64, len(inputs))
		for i := range inputs {
			vecs[i] = []float64{float64(i), 1}
		}
		_ = enc.Encode(map[string]any{"embeddings": vecs})
	case "/api/v0/models":
		_ = enc.Encode(map[string]any{"data": []map[string]any{
			{"id": "qwen3-8b", "state": "loaded"},
			{"id": "gemma-3-4b", "state": "not-loaded"},
		}})
	case "/api/v0/models/load", "/api/v0/models/unload":
		_ = enc.Encode(map[string]any{"status": "ok"})
	case "/api/v0/chat/completions":
		_ = enc.Encode(map[string]any{"model": body["model"], "choices": []map[string]any{{
			"message":       map[string]any{"role": "assistant", "content": "from lmstudio"},
			"finish_reason": "stop",
		}}})
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"not found"}`)
	}
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func chatRequest(text string) *llm.GenerationRequest {
	return &llm.GenerationRequest{Messages: []llm.Message{llm.NewMessage(llm.RoleUser, text)}}
}

func TestNormalizeBackend(t *testing.T) {
	tests := map[string]string{
		"":          BackendOllama,
		"Ollama":    BackendOllama,
		"lmstudio":  BackendLMStudio,
		"lm-studio": BackendLMStudio,
		"LM_Studio": BackendLMStudio,
		"LM Studio": BackendLMStudio,
	}
	for in, want := range tests {
		got, err := NormalizeBackend(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := NormalizeBackend("llamacpp")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	c := newTestClient(t, Config{})
	assert.Equal(t, BackendOllama, c.Backend())

	_, err := New(Config{Backend: "llamacpp"})
	assert.True(t, llm.IsProtocol(err))

	_, err = New(Config{Backend: BackendLMStudio, Family: "grpc"})
	assert.True(t, llm.IsProtocol(err))

	_, err = New(Config{Backend: BackendOllama, KeepAlive: "later"})
	assert.True(t, llm.IsProtocol(err))
}

func TestChat(t *testing.T) {
	_, srv := newFakeServer(t)
	c := newTestClient(t, Config{BaseURL: srv.URL, Model: "m1"})
	ctx := context.Background()

	res, err := c.Chat(ctx, chatRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Text)

	req := chatRequest("hi")
	req.Stream = true
	streamed, err := c.Chat(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, res.Text, streamed.Text)
	assert.Equal(t, "stop", streamed.FinishReason)

	s, err := c.ChatStream(ctx, chatRequest("hi"))
	require.NoError(t, err)
	var texts []string
	_, err = llm.CollectFunc(s, func(ch llm.Chunk) {
		if ch.Text != "" {
			texts = append(texts, ch.Text)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, texts)

	res, err = c.ChatSync(req)
	require.NoError(t, err)
	assert.Equal(t, "Hello", res.Text)

	models, err := c.ListModelsSync()
	require.NoError(t, err)
	assert.Len(t, models, 2)
}

func TestEmbed(t *testing.T) {
	_, srv := newFakeServer(t)
	c := newTestClient(t, Config{BaseURL: srv.URL})
	ctx := context.Background()

	vec, err := c.Embed(ctx, "hello", "nomic-embed-text")
	require.NoError(t, err)
	assert.Equal(t, llm.EmbeddingVector{0, 1}, vec)

	vecs, err := c.EmbedBatch(ctx, []string{"a", "b", "c"}, "nomic-embed-text")
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, llm.EmbeddingVector{2, 1}, vecs[2])
}

func TestLoadModel(t *testing.T) {
	f, srv := newFakeServer(t)
	ctx := context.Background()
	opts := llm.LoadOptions{Model: "m1", GPUOffload: llm.GPUOffloadMax, ContextLength: 8192}

	// Ollama has no placement hints, so it preloads.
	c := newTestClient(t, Config{BaseURL: srv.URL})
	require.NoError(t, c.LoadModel(ctx, opts))
	assert.Equal(t, "m1", f.body("/api/generate")["model"])
	assert.Equal(t, "5m", f.body("/api/generate")["keep_alive"])

	require.NoError(t, c.Reconfigure(Config{Backend: BackendLMStudio, BaseURL: srv.URL}))
	require.NoError(t, c.LoadModel(ctx, opts))
	assert.Equal(t, map[string]any{"model": "m1", "gpu_offload": "max", "context_length": 8192.0, "ttl": 600.0},
		f.body("/api/v0/models/load"))
}

func TestPreloadAndUnload(t *testing.T) {
	f, srv := newFakeServer(t)
	c := newTestClient(t, Config{BaseURL: srv.URL, KeepAlive: "1h"})
	ctx := context.Background()

	require.NoError(t, c.PreloadModel(ctx, "m2"))
	assert.Equal(t, "1h", f.body("/api/generate")["keep_alive"])

	require.NoError(t, c.UnloadModel(ctx, "m2"))
	assert.Equal(t, 0.0, f.body("/api/generate")["keep_alive"])
}

func TestReconfigure(t *testing.T) {
	_, srv := newFakeServer(t)
	c := newTestClient(t, Config{BaseURL: srv.URL, Model: "m1"})
	ctx := context.Background()

	require.NoError(t, c.Reconfigure(Config{Backend: "lm-studio", BaseURL: srv.URL + "/v1", Model: "qwen3-8b"}))
	assert.Equal(t, BackendLMStudio, c.Backend())
	assert.Equal(t, BackendLMStudio, c.Config().Backend)

	res, err := c.Chat(ctx, chatRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "from lmstudio", res.Text)

	// A bad configuration leaves the active backend in place.
	require.Error(t, c.Reconfigure(Config{Backend: "nope"}))
	assert.Equal(t, BackendLMStudio, c.Backend())
}

func TestReconfigureConcurrent(t *testing.T) {
	_, srv := newFakeServer(t)
	c := newTestClient(t, Config{BaseURL: srv.URL, Model: "m1"})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = c.ListModels(context.Background())
		}()
		go func(i int) {
			defer wg.Done()
			backend := BackendOllama
			if i%2 == 0 {
				backend = BackendLMStudio
			}
			assert.NoError(t, c.Reconfigure(Config{Backend: backend, BaseURL: srv.URL}))
		}(i)
	}
	wg.Wait()
	assert.Contains(t, []string{BackendOllama, BackendLMStudio}, c.Backend())
}

func TestStatus(t *testing.T) {
	_, srv := newFakeServer(t)
	ctx := context.Background()

	c := newTestClient(t, Config{BaseURL: srv.URL})
	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Reachable)
	assert.Equal(t, BackendOllama, st.Backend)
	assert.Equal(t, 2, st.Models)
	assert.Equal(t, []string{"m1"}, st.Loaded)

	require.NoError(t, c.Reconfigure(Config{Backend: BackendLMStudio, BaseURL: srv.URL}))
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "native", st.Family)
	assert.Equal(t, []string{"qwen3-8b"}, st.Loaded)
}

func TestTestConnection(t *testing.T) {
	_, srv := newFakeServer(t)
	c := newTestClient(t, Config{BaseURL: srv.URL, Timeout: time.Second})
	assert.True(t, c.TestConnection(context.Background()))

	srv.Close()
	assert.False(t, c.TestConnection(context.Background()))
	err := c.Health(context.Background())
	assert.True(t, llm.IsConnection(err), "got %v", err)

	st, err := c.Status(context.Background())
	require.Error(t, err)
	assert.False(t, st.Reachable)
}

func TestModelNotFoundPassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model \"ghost\" not found, try pulling it first"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{BaseURL: srv.URL})
	req := chatRequest("hi")
	req.Model = "ghost"
	_, err := c.Chat(context.Background(), req)
	assert.True(t, llm.IsModelNotFound(err), "got %v", err)
	assert.NotEmpty(t, llm.Remediation(err))
}

func TestStreamedChatTimeoutDropsPartial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"message":{"role":"assistant","content":"partial"},"done":false}`)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestClient(t, Config{BaseURL: srv.URL, Model: "m1"})
	req := chatRequest("hi")
	req.Stream = true
	req.Timeout = 200 * time.Millisecond

	res, err := c.Chat(context.Background(), req)
	require.Error(t, err)
	assert.True(t, llm.IsTimeout(err), "got %v", err)
	assert.Nil(t, res)

	res, err = c.ChatSync(req)
	assert.True(t, llm.IsTimeout(err), "got %v", err)
	assert.Nil(t, res)
}
