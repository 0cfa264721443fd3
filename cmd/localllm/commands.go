package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/nachoal/localllm/config"
	"github.com/nachoal/localllm/llm"
	"github.com/nachoal/localllm/tui"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func (a *app) modelsCmd() *cobra.Command {
	var pick, asJSON bool
	cmd := &cobra.Command{
		Use:     "models",
		Aliases: []string{"ls"},
		Short:   "List models on the server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.unified(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			st := a.styles(out)

			if pick {
				m, err := a.config()
				if err != nil {
					return err
				}
				d, err := tui.PickModel(c, st, m.SetDefaults)
				if err != nil {
					return err
				}
				if d != nil {
					fmt.Fprintf(out, "%s %s on %s\n", st.Success.Render("Default model set to"), st.Model.Render(d.ID), c.Backend())
				}
				return nil
			}

			models, err := c.ListModels(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(models)
			}
			if len(models) == 0 {
				fmt.Fprintln(out, st.Label.Render("No models found on "+c.Backend()))
				return nil
			}

			width := 0
			for _, d := range models {
				width = max(width, len(d.ID))
			}
			for _, d := range models {
				fmt.Fprintf(out, "%s  %s  %s\n",
					st.Model.Render(fmt.Sprintf("%-*s", width, d.ID)),
					st.RenderState(d.State),
					st.Label.Render(modelDetails(d)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&pick, "pick", "p", false, "Pick a default model interactively")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print descriptors as JSON")
	return cmd
}

func modelDetails(d llm.ModelDescriptor) string {
	var parts []string
	for _, s := range []string{d.Type, d.Architecture, d.Quantization, d.Format} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if d.ContextLength > 0 {
		parts = append(parts, fmt.Sprintf("ctx %d", d.ContextLength))
	}
	if d.SizeBytes > 0 {
		parts = append(parts, fmt.Sprintf("%.1f GB", float64(d.SizeBytes)/1e9))
	}
	if d.Vision {
		parts = append(parts, "vision")
	}
	return strings.Join(parts, " · ")
}

// replyFlags are shared by chat and generate
type replyFlags struct {
	system      string
	stream      bool
	think       bool
	temperature float64
	maxTokens   int
	reasoning   bool
	stats       bool
}

func (f *replyFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.system, "system", "s", "", "System prompt")
	cmd.Flags().BoolVar(&f.stream, "stream", false, "Print tokens as they arrive")
	cmd.Flags().BoolVar(&f.think, "think", false, "Ask the model to think (Ollama)")
	cmd.Flags().Float64VarP(&f.temperature, "temperature", "t", 0, "Sampling temperature, clamped to [0, 2]")
	cmd.Flags().IntVar(&f.maxTokens, "max-tokens", 0, "Maximum tokens to generate")
	cmd.Flags().BoolVar(&f.reasoning, "reasoning", false, "Print the model's reasoning")
	cmd.Flags().BoolVar(&f.stats, "stats", false, "Print generation metrics")
}

func (f *replyFlags) apply(cmd *cobra.Command, req *llm.GenerationRequest) {
	req.Stream = f.stream
	req.MaxTokens = f.maxTokens
	if cmd.Flags().Changed("temperature") {
		req.Temperature = llm.Float64Ptr(f.temperature)
	}
	if cmd.Flags().Changed("think") {
		req.Think = llm.BoolPtr(f.think)
	}
}

func (a *app) chatCmd() *cobra.Command {
	var (
		f      replyFlags
		images []string
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a chat message (reads stdin when no message is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := messageText(cmd, args)
			if err != nil {
				return err
			}
			c, err := a.unified(cmd)
			if err != nil {
				return err
			}

			var msgs []llm.Message
			if f.system != "" {
				msgs = append(msgs, llm.NewMessage(llm.RoleSystem, f.system))
			}
			req := &llm.GenerationRequest{Messages: append(msgs, llm.NewMessage(llm.RoleUser, text))}
			f.apply(cmd, req)

			if len(images) > 0 {
				return a.reply(cmd, &f, func(ctx context.Context) (*llm.GenerationResult, error) {
					return c.ChatWithVision(ctx, req, images...)
				}, nil)
			}
			return a.reply(cmd, &f, func(ctx context.Context) (*llm.GenerationResult, error) {
				return c.Chat(ctx, req)
			}, func(ctx context.Context) (*llm.Stream, error) {
				return c.ChatStream(ctx, req)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringSliceVarP(&images, "image", "i", nil, "Image to attach (path, data URL or base64); repeatable")
	return cmd
}

func (a *app) generateCmd() *cobra.Command {
	var f replyFlags
	cmd := &cobra.Command{
		Use:     "generate [prompt]",
		Aliases: []string{"gen"},
		Short:   "Run a single-turn completion (reads stdin when no prompt is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := messageText(cmd, args)
			if err != nil {
				return err
			}
			c, err := a.unified(cmd)
			if err != nil {
				return err
			}
			req := &llm.GenerationRequest{Prompt: text, System: f.system}
			f.apply(cmd, req)
			return a.reply(cmd, &f, func(ctx context.Context) (*llm.GenerationResult, error) {
				return c.Generate(ctx, req)
			}, func(ctx context.Context) (*llm.Stream, error) {
				return c.GenerateStream(ctx, req)
			})
		},
	}
	f.register(cmd)
	return cmd
}

// reply runs call, or open when streaming is requested and available, and
// prints the outcome
func (a *app) reply(cmd *cobra.Command, f *replyFlags,
	call func(context.Context) (*llm.GenerationResult, error),
	open func(context.Context) (*llm.Stream, error)) error {

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	st := a.styles(out)

	var (
		res *llm.GenerationResult
		err error
	)
	if f.stream && open != nil {
		s, err := open(ctx)
		if err != nil {
			return err
		}
		res, err = llm.CollectFunc(s, func(ch llm.Chunk) {
			if f.reasoning && ch.Reasoning != "" {
				fmt.Fprint(out, st.Reasoning.Render(ch.Reasoning))
			}
			fmt.Fprint(out, ch.Text)
		})
		fmt.Fprintln(out)
		if err != nil {
			return err
		}
	} else {
		res, err = call(ctx)
		if err != nil {
			return err
		}
		if f.reasoning && res.Reasoning != "" {
			fmt.Fprintln(out, st.Reasoning.Render(res.Reasoning))
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, res.Text)
	}

	if f.stats || a.verbose {
		errOut := cmd.ErrOrStderr()
		est := a.styles(errOut)
		line := est.Label.Render(fmt.Sprintf("[%s, finish: %s]", res.Model, res.FinishReason))
		if m := est.RenderMetrics(res.Metrics); m != "" {
			line += " " + m
		}
		fmt.Fprintln(errOut, line)
	}
	return nil
}

// messageText joins args, falling back to piped stdin
func messageText(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return "", fmt.Errorf("no message given")
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("no message given")
	}
	return text, nil
}

func (a *app) embedCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "embed [text]...",
		Short: "Print embeddings for each text argument",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.unified(cmd)
			if err != nil {
				return err
			}
			vecs, err := c.EmbedBatch(cmd.Context(), args, "")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(vecs)
			}
			st := a.styles(out)
			for i, v := range vecs {
				fmt.Fprintf(out, "%s %s %s\n",
					st.Model.Render(fmt.Sprintf("[%d]", i)),
					st.Label.Render(fmt.Sprintf("dims=%d", len(v))),
					preview(v, 4))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print vectors as JSON")
	return cmd
}

func preview(v llm.EmbeddingVector, n int) string {
	parts := make([]string, 0, n+1)
	for i, x := range v {
		if i == n {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("%.4f", x))
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func (a *app) preloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preload [model]",
		Short: "Load a model into memory ahead of use",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.unified(cmd)
			if err != nil {
				return err
			}
			model := argOrModel(args)
			if err := c.PreloadModel(cmd.Context(), model); err != nil {
				return err
			}
			a.done(cmd, "Preloaded", model)
			return nil
		},
	}
}

func (a *app) loadCmd() *cobra.Command {
	var (
		gpu    string
		ctxLen int
		ttl    int
	)
	cmd := &cobra.Command{
		Use:   "load [model]",
		Short: "Load a model with GPU offload, context length and ttl",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.unified(cmd)
			if err != nil {
				return err
			}
			opts := llm.LoadOptions{
				Model:         argOrModel(args),
				GPUOffload:    llm.GPUOffload(strings.ToLower(gpu)),
				ContextLength: ctxLen,
			}
			if cmd.Flags().Changed("ttl") {
				opts.TTL = llm.IntPtr(ttl)
			}
			if err := c.LoadModel(cmd.Context(), opts); err != nil {
				return err
			}
			a.done(cmd, "Loaded", opts.Model)
			return nil
		},
	}
	cmd.Flags().StringVar(&gpu, "gpu", "", "GPU offload: max, off or a layer count")
	cmd.Flags().IntVar(&ctxLen, "context-length", 0, "Context length in tokens")
	cmd.Flags().IntVar(&ttl, "ttl", 0, "Idle seconds before unloading; -1 never")
	return cmd
}

func (a *app) unloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unload [model]",
		Short: "Evict a model from memory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.unified(cmd)
			if err != nil {
				return err
			}
			model := argOrModel(args)
			if err := c.UnloadModel(cmd.Context(), model); err != nil {
				return err
			}
			a.done(cmd, "Unloaded", model)
			return nil
		},
	}
}

func (a *app) done(cmd *cobra.Command, verb, model string) {
	out := cmd.OutOrStdout()
	st := a.styles(out)
	if model == "" {
		model = a.client.Config().Model
	}
	fmt.Fprintf(out, "%s %s\n", st.Success.Render(verb), st.Model.Render(model))
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active backend and its resident models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.unified(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			st := a.styles(out)

			s, err := c.Status(cmd.Context())
			backend := s.Backend
			if s.Family != "" {
				backend += " (" + s.Family + ")"
			}
			fmt.Fprintf(out, "%s %s\n", st.Label.Render("Backend: "), backend)
			fmt.Fprintf(out, "%s %s\n", st.Label.Render("URL:     "), s.BaseURL)
			if err != nil {
				fmt.Fprintf(out, "%s %s\n", st.Label.Render("Server:  "), st.Error.Render("unreachable"))
				return err
			}
			fmt.Fprintf(out, "%s %s\n", st.Label.Render("Server:  "), st.Success.Render("reachable"))
			fmt.Fprintf(out, "%s %d\n", st.Label.Render("Models:  "), s.Models)
			loaded := "none"
			if len(s.Loaded) > 0 {
				loaded = strings.Join(s.Loaded, ", ")
			}
			fmt.Fprintf(out, "%s %s\n", st.Label.Render("Loaded:  "), loaded)
			if m := c.Config().Model; m != "" {
				fmt.Fprintf(out, "%s %s\n", st.Label.Render("Default: "), st.Model.Render(m))
			}
			return nil
		},
	}
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change saved settings",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.config()
			if err != nil {
				return err
			}
			cfg, err := m.Config()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n", m.Path())
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				config.KeyBackend:          cfg.Backend,
				config.KeyModel:            cfg.Model,
				config.KeyOllamaURL:        cfg.OllamaURL,
				config.KeyLMStudioURL:      cfg.LMStudioURL,
				config.KeyFamily:           cfg.Family,
				config.KeyKeepAlive:        cfg.KeepAlive,
				config.KeyTTL:              cfg.TTL,
				config.KeyTimeout:          cfg.Timeout.String(),
				config.KeyExtractReasoning: cfg.ExtractReasoning,
			})
		},
	}

	setDefault := &cobra.Command{
		Use:   "set-default <backend> [model]",
		Short: "Save the default backend and model",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.config()
			if err != nil {
				return err
			}
			model := ""
			if len(args) > 1 {
				model = args[1]
			}
			if err := m.SetDefaults(args[0], model); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			st := a.styles(out)
			fmt.Fprintf(out, "%s %s %s\n", st.Success.Render("Saved"), m.GetDefaultBackend(), st.Model.Render(model))
			return nil
		},
	}

	cmd.AddCommand(show, setDefault)
	return cmd
}
