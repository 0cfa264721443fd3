package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/nachoal/localllm/config"
	"github.com/nachoal/localllm/llm/unified"
	"github.com/nachoal/localllm/tui/styles"
)

// app holds the global flags and lazily built dependencies of one invocation
type app struct {
	// Flags
	backend    string
	baseURL    string
	family     string
	model      string
	timeout    time.Duration
	configPath string
	theme      string
	verbose    bool

	manager *config.Manager
	client  *unified.Client
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "localllm",
		Short:         "Talk to local models on Ollama or LM Studio",
		Long:          "localllm - one client for local model servers: list, load, chat, generate and embed",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.client != nil {
				return a.client.Close()
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.backend, "backend", "", "Backend to use (ollama, lmstudio)")
	flags.StringVar(&a.baseURL, "base-url", "", "Server address, overriding the configured one")
	flags.StringVar(&a.family, "family", "", "LM Studio endpoint family (native, compatible)")
	flags.StringVarP(&a.model, "model", "m", "", "Model to use")
	flags.DurationVar(&a.timeout, "timeout", 0, "Per-call timeout (e.g. 30s, 5m)")
	flags.StringVar(&a.configPath, "config", "", "Config file (default ~/.localllm/config.yaml)")
	flags.StringVar(&a.theme, "theme", "default", "Color theme (default, nord)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose output")

	rootCmd.AddCommand(
		a.modelsCmd(),
		a.chatCmd(),
		a.generateCmd(),
		a.embedCmd(),
		a.preloadCmd(),
		a.loadCmd(),
		a.unloadCmd(),
		a.statusCmd(),
		a.configCmd(),
	)
	return rootCmd
}

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, stylesFor(os.Stderr, "default").RenderError(err))
		os.Exit(1)
	}
}

// config returns the config manager, creating it on first use
func (a *app) config() (*config.Manager, error) {
	if a.manager != nil {
		return a.manager, nil
	}
	var (
		m   *config.Manager
		err error
	)
	if a.configPath != "" {
		m, err = config.NewManagerAt(a.configPath)
	} else {
		m, err = config.NewManager()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create config manager: %w", err)
	}
	a.manager = m
	return m, nil
}

// unified builds the facade from the config file, the environment and flags
func (a *app) unified(cmd *cobra.Command) (*unified.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	m, err := a.config()
	if err != nil {
		return nil, err
	}

	if a.backend != "" {
		m.Set(config.KeyBackend, a.backend)
	}
	if a.family != "" {
		m.Set(config.KeyFamily, a.family)
	}
	if a.model != "" {
		m.Set(config.KeyModel, a.model)
	}
	if a.timeout > 0 {
		m.Set(config.KeyTimeout, a.timeout)
	}
	cfg, err := m.Config()
	if err != nil {
		return nil, err
	}

	uc := cfg.Unified(a.log(cmd))
	if a.baseURL != "" {
		uc.BaseURL = a.baseURL
	}
	a.log(cmd).Debug("using backend", "backend", uc.Backend, "base_url", uc.BaseURL, "model", uc.Model)

	c, err := unified.New(uc)
	if err != nil {
		return nil, err
	}
	a.client = c
	return c, nil
}

func (a *app) log(cmd *cobra.Command) *slog.Logger {
	if a.logger != nil {
		return a.logger
	}
	level := slog.LevelWarn
	if a.verbose || getEnvOrDefault("LOCALLLM_DEBUG", "") != "" {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return a.logger
}

func (a *app) styles(w io.Writer) *styles.Styles {
	return stylesFor(w, a.theme)
}

// stylesFor returns themed styles for terminals and plain ones for pipes and files
func stylesFor(w io.Writer, theme string) *styles.Styles {
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return styles.NewStyles(styles.GetTheme(theme))
	}
	return styles.Plain()
}

// argOrModel returns the first argument, or "" so the client falls back to its default model
func argOrModel(args []string) string {
	if len(args) > 0 {
		return strings.TrimSpace(args[0])
	}
	return ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
