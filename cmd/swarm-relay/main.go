// ABOUTME: Entry point for the swarm-relay coordination server
// ABOUTME: Routes messages between swarm agents over websocket connections

package main

import (
	"bufio"
	"context"
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

	"github.com/fatih/color"

	"github.com/2389/swarm-relay/internal/bridge"
	"github.com/2389/swarm-relay/internal/config"
	"github.com/2389/swarm-relay/internal/server"
	"github.com/2389/swarm-relay/internal/store"
	"github.com/2389/swarm-relay/internal/topology"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _____      ____ _ _ __ _ __ ___        _ __ ___| | __ _ _   _
/ __\ \ /\ / / _' | '__| '_ ' _ \ _____| '__/ _ \ |/ _' | | | |
\__ \\ V  V / (_| | |  | | | | | |_____| | |  __/ | (_| | |_| |
|___/ \_/\_/ \__,_|_|  |_| |_| |_|     |_|  \___|_|\__,_|\__, |
                                                         |___/
`

// getConfigPath returns the path to the relay config file.
// Priority: SWARM_RELAY_CONFIG env var > XDG_CONFIG_HOME/swarm-relay/relay.yaml > ~/.config/swarm-relay/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("SWARM_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "swarm-relay", "relay.yaml")
}

// getDataPath returns the path to the relay data directory.
// Priority: XDG_DATA_HOME/swarm-relay > ~/.local/share/swarm-relay
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "swarm-relay")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: swarm-relay <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the coordination server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check relay health")
		fmt.Println("  agents   List connected agents")
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
	case "agents":
		err = runAgents(ctx)
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

	policy, err := topology.ParsePolicy(cfg.Coordination.Topology)
	if err != nil {
		return fmt.Errorf("parsing topology: %w", err)
	}

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Topology: %s\n", policy)
	if cfg.Database.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Audit DB: %s\n", cfg.Database.Path)
	}

	fmt.Println()

	logger.Info("starting swarm-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"topology", policy,
	)

	// Audit store: SQLite when a path is configured, otherwise disabled
	var audit store.AuditStore = store.NopStore{}
	if cfg.Database.Path != "" {
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("opening audit store: %w", err)
		}
		defer s.Close()
		audit = s
	}

	srv := server.New(server.Options{
		ServerID:           cfg.Server.ServerID,
		HTTPAddr:           cfg.Server.HTTPAddr,
		HeartbeatInterval:  cfg.Coordination.HeartbeatInterval,
		HeartbeatTimeout:   cfg.Coordination.HeartbeatTimeout,
		CleanupInterval:    cfg.Coordination.CleanupInterval,
		PendingGracePeriod: cfg.Coordination.PendingGracePeriod,
		RequestTimeout:     cfg.Coordination.RequestTimeout,
		QueueSize:          cfg.Coordination.QueueSize,
		MaxConnections:     cfg.Coordination.MaxConnections,
		Topology:           policy,
	}, audit, logger)

	if cfg.Bridge.Enabled {
		br := bridge.New(&logOrchestrator{logger: logger}, srv, srv.Bus(), srv.Pool(), bridge.Options{
			Source:         cfg.Bridge.Source,
			StatusInterval: cfg.Bridge.StatusInterval,
			StatsInterval:  cfg.Bridge.StatsInterval,
		}, logger)
		br.Start()
		defer br.Stop()
	}

	return srv.Run(ctx)
}

// logOrchestrator is the built-in orchestrator endpoint: it records presence
// changes in the log. Deployments with a real orchestrator embed the relay
// as a library and supply their own bridge.Orchestrator.
type logOrchestrator struct {
	logger *slog.Logger
}

func (o *logOrchestrator) RegisterAgent(ctx context.Context, agentID string, capabilities []string) error {
	o.logger.Info("agent joined swarm", "agent_id", agentID, "capabilities", capabilities)
	return nil
}

func (o *logOrchestrator) DeregisterAgent(ctx context.Context, agentID string) error {
	o.logger.Info("agent left swarm", "agent_id", agentID)
	return nil
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

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("agents check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("swarm-relay configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	// Default paths
	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()
	defaultDbPath := filepath.Join(defaultDataPath, "audit.db")

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
	httpAddr := prompt(reader, "HTTP address", "localhost:8420")
	serverID := prompt(reader, "Server id", "swarm-relay")

	// Database
	fmt.Println("\n--- Audit Store Configuration ---")
	dbPath := prompt(reader, "SQLite database path (empty to disable)", defaultDbPath)

	// Coordination
	fmt.Println("\n--- Coordination Configuration ---")
	topologyName := prompt(reader, "Topology (none/mesh/hierarchical/ring/star)", "mesh")
	if _, err := topology.ParsePolicy(topologyName); err != nil {
		return err
	}

	// Logging
	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate config
	var cfg strings.Builder
	cfg.WriteString("# swarm-relay configuration\n")
	cfg.WriteString("# Generated by swarm-relay init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n", httpAddr))
	cfg.WriteString(fmt.Sprintf("  server_id: \"%s\"\n", serverID))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("coordination:\n")
	cfg.WriteString("  heartbeat_interval: \"30s\"\n")
	cfg.WriteString("  heartbeat_timeout: \"90s\"\n")
	cfg.WriteString("  cleanup_interval: \"60s\"\n")
	cfg.WriteString("  pending_grace_period: \"5m\"\n")
	cfg.WriteString("  request_timeout: \"30s\"\n")
	cfg.WriteString("  queue_size: 100\n")
	cfg.WriteString("  max_connections: 0\n")
	cfg.WriteString(fmt.Sprintf("  topology: \"%s\"\n", topologyName))
	cfg.WriteString("\n")

	cfg.WriteString("bridge:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString("  status_interval: \"60s\"\n")
	cfg.WriteString("  stats_interval: \"5m\"\n")
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
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Ensure data directory exists
	if dbPath != "" {
		dataDir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		fmt.Printf("Data directory: %s\n", dataDir)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  swarm-relay serve\n")

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
