package tui

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nachoal/localllm/llm"
	"github.com/nachoal/localllm/tui/styles"
)

type fakeSource struct {
	mu        sync.Mutex
	models    []llm.ModelDescriptor
	listErr   error
	preloaded []string
}

func (f *fakeSource) Backend() string { return "lmstudio" }

func (f *fakeSource) ListModels(context.Context) ([]llm.ModelDescriptor, error) {
	return f.models, f.listErr
}

func (f *fakeSource) PreloadModel(_ context.Context, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.preloaded = append(f.preloaded, model)
	return nil
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

func loadedSelector(t *testing.T, src *fakeSource, onSelect func(string, string) error) *ModelSelector {
	t.Helper()
	sel := NewModelSelector(src, styles.Plain(), onSelect)
	sel.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	sel.Update(sel.Init()())
	if sel.loading {
		t.Fatal("selector still loading after models arrived")
	}
	return sel
}

func TestSelectorOrdersLoadedFirst(t *testing.T) {
	src := &fakeSource{models: []llm.ModelDescriptor{
		{ID: "b-model", State: llm.LoadStateNotLoaded},
		{ID: "z-model", State: llm.LoadStateLoaded, Architecture: "qwen3", Quantization: "Q4_K_M"},
		{ID: "a-model", State: llm.LoadStateNotLoaded},
	}}
	sel := loadedSelector(t, src, nil)

	items := sel.list.Items()
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	var got []string
	for _, it := range items {
		got = append(got, it.(ModelItem).Model.ID)
	}
	if strings.Join(got, ",") != "z-model,a-model,b-model" {
		t.Fatalf("unexpected order: %v", got)
	}

	desc := items[0].(ModelItem).Description()
	for _, want := range []string{"● loaded", "qwen3", "Q4_K_M"} {
		if !strings.Contains(desc, want) {
			t.Errorf("description %q missing %q", desc, want)
		}
	}

	view := stripANSI(sel.View())
	if !strings.Contains(view, "Models on lmstudio") {
		t.Errorf("view missing title: %q", view)
	}
}

func TestSelectorEnterPreloadsAndPersists(t *testing.T) {
	src := &fakeSource{models: []llm.ModelDescriptor{
		{ID: "gemma-3-4b", State: llm.LoadStateNotLoaded},
	}}
	var persisted []string
	sel := loadedSelector(t, src, func(backend, model string) error {
		persisted = append(persisted, backend, model)
		return nil
	})

	_, cmd := sel.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("expected a preload command")
	}
	if !strings.Contains(stripANSI(sel.View()), "Loading gemma-3-4b") {
		t.Errorf("expected preloading view, got %q", stripANSI(sel.View()))
	}

	_, cmd = sel.Update(cmd())
	if cmd == nil {
		t.Fatal("expected quit after selection")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.QuitMsg")
	}

	if len(src.preloaded) != 1 || src.preloaded[0] != "gemma-3-4b" {
		t.Errorf("expected one preload of gemma-3-4b, got %v", src.preloaded)
	}
	if strings.Join(persisted, "/") != "lmstudio/gemma-3-4b" {
		t.Errorf("unexpected persisted defaults: %v", persisted)
	}
	if d := sel.Selected(); d == nil || d.ID != "gemma-3-4b" {
		t.Fatalf("unexpected selection: %+v", d)
	}
}

func TestSelectorSkipsPreloadForResidentModel(t *testing.T) {
	src := &fakeSource{models: []llm.ModelDescriptor{{ID: "qwen3-8b", State: llm.LoadStateLoaded}}}
	sel := loadedSelector(t, src, nil)

	_, cmd := sel.Update(tea.KeyMsg{Type: tea.KeyEnter})
	sel.Update(cmd())
	if len(src.preloaded) != 0 {
		t.Fatalf("resident model should not be preloaded again: %v", src.preloaded)
	}
	if sel.Selected() == nil {
		t.Fatal("expected a selection")
	}
}

func TestSelectorPersistError(t *testing.T) {
	src := &fakeSource{models: []llm.ModelDescriptor{{ID: "m1", State: llm.LoadStateLoaded}}}
	sel := loadedSelector(t, src, func(string, string) error { return errors.New("disk full") })

	_, cmd := sel.Update(tea.KeyMsg{Type: tea.KeyEnter})
	_, next := sel.Update(cmd())
	if next != nil {
		t.Fatal("an error should keep the picker open")
	}
	if sel.Selected() != nil {
		t.Fatal("no model should be selected after an error")
	}
	if !strings.Contains(stripANSI(sel.View()), "disk full") {
		t.Errorf("expected error in view, got %q", stripANSI(sel.View()))
	}
}

func TestSelectorListError(t *testing.T) {
	src := &fakeSource{listErr: llm.NewError(llm.KindConnection, "list models", errors.New("connection refused"))}
	sel := NewModelSelector(src, styles.Plain(), nil)
	sel.Update(sel.Init()())

	if sel.Err() == nil {
		t.Fatal("expected list error")
	}
	view := stripANSI(sel.View())
	if !strings.Contains(view, "hint: check that the local model server is running") {
		t.Errorf("expected remediation hint in view, got %q", view)
	}
}

func TestSelectorNoModels(t *testing.T) {
	sel := NewModelSelector(&fakeSource{}, styles.Plain(), nil)
	sel.Update(sel.Init()())
	if sel.Err() == nil || !strings.Contains(sel.Err().Error(), "no models found") {
		t.Fatalf("expected no models error, got %v", sel.Err())
	}
}

func TestSelectorEscQuitsWithoutSelection(t *testing.T) {
	src := &fakeSource{models: []llm.ModelDescriptor{{ID: "m1"}}}
	sel := loadedSelector(t, src, nil)

	_, cmd := sel.Update(tea.KeyMsg{Type: tea.KeyEsc})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.QuitMsg")
	}
	if sel.Selected() != nil {
		t.Fatal("esc must not select a model")
	}
}
