// Package tui contains the interactive model picker.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nachoal/localllm/llm"
	"github.com/nachoal/localllm/tui/styles"
)

// ModelSource is what the picker needs from a client. *unified.Client satisfies it.
type ModelSource interface {
	Backend() string
	ListModels(ctx context.Context) ([]llm.ModelDescriptor, error)
	PreloadModel(ctx context.Context, model string) error
}

// ModelItem represents a model in the list
type ModelItem struct {
	Backend string
	Model   llm.ModelDescriptor
	styles  *styles.Styles
}

func (i ModelItem) Title() string { return i.Model.Name() }

func (i ModelItem) Description() string {
	parts := []string{i.styles.RenderState(i.Model.State)}
	for _, s := range []string{i.Model.Type, i.Model.Architecture, i.Model.Quantization} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if i.Model.ContextLength > 0 {
		parts = append(parts, fmt.Sprintf("ctx %d", i.Model.ContextLength))
	}
	return strings.Join(parts, " · ")
}

func (i ModelItem) FilterValue() string { return i.Model.ID }

// ModelSelector lists the backend's models. Enter preloads the highlighted
// model, hands it to onSelect and quits.
type ModelSelector struct {
	list       list.Model
	source     ModelSource
	styles     *styles.Styles
	selected   *ModelItem
	loading    bool
	preloading string
	err        error
	width      int
	height     int
	timeout    time.Duration
	onSelect   func(backend, model string) error
}

// NewModelSelector creates a new model selector
func NewModelSelector(source ModelSource, st *styles.Styles, onSelect func(backend, model string) error) *ModelSelector {
	if st == nil {
		st = styles.NewStyles(styles.DefaultTheme)
	}
	delegate := list.NewDefaultDelegate()
	delegate.Styles.SelectedTitle = delegate.Styles.SelectedTitle.
		Foreground(st.Theme.Primary).
		BorderLeftForeground(st.Theme.Primary)
	delegate.Styles.SelectedDesc = delegate.Styles.SelectedDesc.
		Foreground(st.Theme.Secondary).
		BorderLeftForeground(st.Theme.Primary)

	l := list.New([]list.Item{}, delegate, 80, 20)
	l.Title = fmt.Sprintf("Models on %s", source.Backend())
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.SetShowHelp(true)
	l.Styles.Title = lipgloss.NewStyle().
		Background(st.Theme.Primary).
		Foreground(lipgloss.Color("230")).
		Padding(0, 1)

	return &ModelSelector{
		list:     l,
		source:   source,
		styles:   st,
		loading:  true,
		onSelect: onSelect,
		width:    80,
		height:   20,
		timeout:  2 * time.Minute,
	}
}

// Selected returns the chosen model, or nil if the picker was dismissed
func (m *ModelSelector) Selected() *llm.ModelDescriptor {
	if m.selected == nil {
		return nil
	}
	d := m.selected.Model
	return &d
}

// Err returns the error that ended the picker, if any
func (m *ModelSelector) Err() error { return m.err }

func (m *ModelSelector) Init() tea.Cmd {
	return m.loadModels()
}

func (m *ModelSelector) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.list.SetSize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		if m.list.FilterState() == list.Filtering {
			break
		}
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			return m, tea.Quit
		case "enter":
			if m.preloading != "" {
				return m, nil
			}
			if i, ok := m.list.SelectedItem().(ModelItem); ok {
				m.preloading = i.Model.ID
				return m, m.preload(i)
			}
			return m, nil
		}

	case modelsLoadedMsg:
		m.loading = false
		if len(msg.models) == 0 {
			m.err = fmt.Errorf("no models found on %s", m.source.Backend())
			return m, nil
		}
		items := make([]list.Item, 0, len(msg.models))
		for _, d := range sortModels(msg.models) {
			items = append(items, ModelItem{Backend: m.source.Backend(), Model: d, styles: m.styles})
		}
		return m, m.list.SetItems(items)

	case modelSelectedMsg:
		m.preloading = ""
		m.selected = &msg.item
		return m, tea.Quit

	case errMsg:
		m.err = msg.err
		m.loading = false
		m.preloading = ""
		return m, nil
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m *ModelSelector) View() string {
	center := lipgloss.NewStyle().
		Width(m.width).
		Height(m.height).
		Align(lipgloss.Center, lipgloss.Center)

	switch {
	case m.loading:
		return center.Render("Loading models...")
	case m.err != nil:
		return center.Render(m.styles.RenderError(m.err))
	case m.preloading != "":
		return center.Render(m.styles.Busy.Render("Loading " + m.preloading + "..."))
	}
	return m.list.View()
}

func (m *ModelSelector) loadModels() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		models, err := m.source.ListModels(ctx)
		if err != nil {
			return errMsg{err: err}
		}
		return modelsLoadedMsg{models: models}
	}
}

func (m *ModelSelector) preload(item ModelItem) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if item.Model.State != llm.LoadStateLoaded {
			if err := m.source.PreloadModel(ctx, item.Model.ID); err != nil {
				return errMsg{err: err}
			}
		}
		if m.onSelect != nil {
			if err := m.onSelect(item.Backend, item.Model.ID); err != nil {
				return errMsg{err: err}
			}
		}
		return modelSelectedMsg{item: item}
	}
}

// sortModels puts resident models first, then orders by identifier
func sortModels(models []llm.ModelDescriptor) []llm.ModelDescriptor {
	out := append([]llm.ModelDescriptor(nil), models...)
	sort.SliceStable(out, func(i, j int) bool {
		li, lj := out[i].State == llm.LoadStateLoaded, out[j].State == llm.LoadStateLoaded
		if li != lj {
			return li
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PickModel runs the selector full screen and returns the chosen model,
// or nil when the user quits without choosing.
func PickModel(source ModelSource, st *styles.Styles, onSelect func(backend, model string) error) (*llm.ModelDescriptor, error) {
	sel := NewModelSelector(source, st, onSelect)
	if _, err := tea.NewProgram(sel, tea.WithAltScreen()).Run(); err != nil {
		return nil, err
	}
	if sel.Err() != nil && sel.Selected() == nil {
		return nil, sel.Err()
	}
	return sel.Selected(), nil
}

type modelsLoadedMsg struct {
	models []llm.ModelDescriptor
}

type modelSelectedMsg struct {
	item ModelItem
}

type errMsg struct {
	err error
}
