// ABOUTME: Entry point for the seance-gateway streaming server
// ABOUTME: Wires config, store, accounting, providers, and tools into the gateway

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/seance-gateway/internal/accounting"
	"github.com/2389/seance-gateway/internal/config"
	"github.com/2389/seance-gateway/internal/conversation"
	"github.com/2389/seance-gateway/internal/gateway"
	"github.com/2389/seance-gateway/internal/orchestrator"
	"github.com/2389/seance-gateway/internal/provider"
	"github.com/2389/seance-gateway/internal/provider/anthropic"
	"github.com/2389/seance-gateway/internal/provider/openai"
	"github.com/2389/seance-gateway/internal/store"
	"github.com/2389/seance-gateway/internal/tools"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 ___  ___  __ _ _ __   ___ ___        __ _  __ _| |_ _____      ____ _ _   _
/ __|/ _ \/ _' | '_ \ / __/ _ \_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
\__ \  __/ (_| | | | | (_|  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|___/\___|\__,_|_| |_|\___\___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                     |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: SEANCE_CONFIG env var > XDG_CONFIG_HOME/seance/gateway.yaml > ~/.config/seance/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SEANCE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "seance", "gateway.yaml")
}

// getDataPath returns the path to the seance data directory.
// Priority: XDG_DATA_HOME/seance > ~/.local/share/seance
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "seance")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: seance-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve   Start the gateway server")
		fmt.Println("  init    Create a new config file interactively")
		fmt.Println("  health  Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	for _, p := range cfg.Providers {
		green.Print("    ▶ ")
		fmt.Printf("Provider:  ")
		cyan.Print(p.ID)
		gray.Printf(" (%s, %s)\n", p.Kind, p.Model)
	}
	if cfg.Tools.ManifestPath != "" {
		green.Print("    ▶ ")
		fmt.Printf("Tools:     %s\n", cfg.Tools.ManifestPath)
	}
	fmt.Println()

	logger.Info("starting seance-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"providers", len(cfg.Providers),
	)

	// Open the store
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	accountant := accounting.New(st, accounting.Policy{
		RateLimit:     cfg.Accounts.RateLimit,
		RateWindow:    cfg.Accounts.RateWindow,
		HardCapTokens: cfg.Agent.HardCapTokens,
	}, logger)

	adapters, err := buildAdapters(cfg.Providers, logger)
	if err != nil {
		return fmt.Errorf("building provider adapters: %w", err)
	}

	// Connect tool servers when a manifest is configured
	var (
		exec    tools.Executor
		catalog tools.Catalog
	)
	if cfg.Tools.ManifestPath != "" {
		manifest, err := config.LoadManifest(cfg.Tools.ManifestPath)
		if err != nil {
			return fmt.Errorf("loading tool manifest: %w", err)
		}
		mcp := tools.NewMCPExecutor(logger)
		defer mcp.Close()
		for _, sc := range manifest.ServerConfigs() {
			if err := mcp.Connect(ctx, sc); err != nil {
				return fmt.Errorf("connecting tool server %s: %w", sc.ID, err)
			}
		}
		exec = mcp
		catalog = mcp
		logger.Info("tool servers connected", "servers", len(manifest.ServerConfigs()), "tools", len(mcp.Schemas()))
	}

	broadcaster := conversation.NewEventBroadcaster(logger)
	defer broadcaster.Close()

	gw, err := gateway.New(gateway.Options{
		Store:       st,
		Accountant:  accountant,
		Adapters:    adapters,
		Broadcaster: broadcaster,
		Executor:    exec,
		Catalog:     catalog,
		Limits: orchestrator.Limits{
			MaxTurns:     cfg.Agent.MaxTurns,
			MaxWallClock: cfg.Agent.MaxWallClock,
		},
		Runner: tools.RunnerOptions{
			InvokeTimeout: cfg.Tools.InvokeTimeout,
		},
		DefaultBalance: cfg.Accounts.DefaultBalance,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	defer gw.Close()

	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}

	return nil
}

// buildAdapters constructs one provider adapter per configured vendor entry,
// keyed by provider ID. The scripted kind streams a canned reply forever and
// exists so the gateway can run without upstream credentials.
func buildAdapters(configs []config.ProviderConfig, logger *slog.Logger) (map[string]provider.Adapter, error) {
	adapters := make(map[string]provider.Adapter, len(configs))
	for _, p := range configs {
		switch p.Kind {
		case "anthropic":
			a, err := anthropic.New(p.APIKey, p.BaseURL, logger)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", p.ID, err)
			}
			adapters[p.ID] = a
		case "openai":
			a, err := openai.New(p.APIKey, p.BaseURL, logger)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", p.ID, err)
			}
			adapters[p.ID] = a
		case "scripted":
			a := provider.NewScriptedAdapter(provider.TextTurn(
				provider.Usage{PromptTokens: 8, CompletionTokens: 12},
				"This is a scripted reply ", "from a provider with no upstream.",
			))
			a.RepeatLast = true
			adapters[p.ID] = a
		default:
			return nil, fmt.Errorf("provider %s: unsupported kind %q", p.ID, p.Kind)
		}
	}
	return adapters, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway unhealthy: %s (%s)", resp.Status, strings.TrimSpace(string(body)))
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Gateway healthy: %s\n", strings.TrimSpace(string(body)))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("seance-gateway configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "gateway.db")

	// Output filename
	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	// Server configuration
	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8080")

	// Database
	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	// Provider
	fmt.Println("\n--- Provider Configuration ---")
	providerID := prompt(reader, "Provider id", "anthropic")
	providerKind := prompt(reader, "Provider kind (anthropic/openai/scripted)", "anthropic")
	providerModel := prompt(reader, "Model", "claude-sonnet-4-20250514")
	var apiKeyVar string
	if providerKind != "scripted" {
		apiKeyVar = prompt(reader, "API key environment variable", "ANTHROPIC_API_KEY")
	}

	// Accounts
	fmt.Println("\n--- Account Configuration ---")
	defaultBalance := prompt(reader, "Default account balance (tokens)", "1000000")
	rateLimit := prompt(reader, "Requests per account per window (0 disables)", "60")
	rateWindow := prompt(reader, "Rate window", "1m")

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# seance-gateway configuration\n")
	cfg.WriteString("# Generated by seance-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("providers:\n")
	cfg.WriteString(fmt.Sprintf("  - id: \"%s\"\n", providerID))
	cfg.WriteString(fmt.Sprintf("    kind: \"%s\"\n", providerKind))
	if apiKeyVar != "" {
		cfg.WriteString(fmt.Sprintf("    api_key: \"${%s}\"\n", apiKeyVar))
	}
	cfg.WriteString(fmt.Sprintf("    model: \"%s\"\n", providerModel))
	cfg.WriteString("\n")

	cfg.WriteString("accounts:\n")
	cfg.WriteString(fmt.Sprintf("  default_balance: %s\n", defaultBalance))
	cfg.WriteString(fmt.Sprintf("  rate_limit: %s\n", rateLimit))
	cfg.WriteString(fmt.Sprintf("  rate_window: \"%s\"\n", rateWindow))
	cfg.WriteString("\n")

	cfg.WriteString("agent:\n")
	cfg.WriteString("  max_turns: 8\n")
	cfg.WriteString("  max_wall_clock: \"5m\"\n")
	cfg.WriteString("  hard_cap_tokens: 0\n")
	cfg.WriteString("\n")

	cfg.WriteString("tools:\n")
	cfg.WriteString("  manifest_path: \"\"\n")
	cfg.WriteString("  invoke_timeout: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n", logFormat))

	// Ensure config directory exists
	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  seance-gateway serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
