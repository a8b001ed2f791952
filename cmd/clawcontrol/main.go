// ABOUTME: Entry point for the clawcontrol dashboard control plane
// ABOUTME: Subcommands to serve, write a config, probe health and wipe operator data

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/clawcontrol/internal/config"
	"github.com/2389/clawcontrol/internal/server"
	"github.com/2389/clawcontrol/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
      _                          _             _
  ___| | __ ___      _____ ___  _ __ | |_ _ __ ___ | |
 / __| |/ _' \ \ /\ / / __/ _ \| '_ \| __| '__/ _ \| |
| (__| | (_| |\ V  V / (_| (_) | | | | |_| | | (_) | |
 \___|_|\__,_| \_/\_/ \___\___/|_| |_|\__|_|  \___/|_|
`

// getConfigPath returns the path to the config file.
// Priority: CLAWCONTROL_CONFIG env var > XDG_CONFIG_HOME/clawcontrol/config.yaml > ~/.config/clawcontrol/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CLAWCONTROL_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "clawcontrol", "config.yaml")
}

// getDataPath returns the clawcontrol data directory.
// Priority: XDG_DATA_HOME/clawcontrol > ~/.local/share/clawcontrol
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "clawcontrol")
}

func usage() {
	fmt.Println("Usage: clawcontrol <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve          Start the dashboard server")
	fmt.Println("  init           Create a new config file interactively")
	fmt.Println("  health         Check server health")
	fmt.Println("  reset --yes    Delete the operator account and event history")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// .env.local overrides .env; neither overrides the real environment
	if err := config.LoadEnvFiles(".env.local", ".env"); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "reset":
		err = runReset(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
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

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Running without a config file is fine; defaults plus env cover a local setup
	cfg, err := config.Load(configPath, true)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Workspace: %s\n", cfg.Workspace.Dir)
	green.Print("    ▶ ")
	if cfg.Gateway.URL != "" && cfg.Gateway.Token != "" {
		fmt.Printf("Gateway:   %s\n", cfg.Gateway.URL)
	} else {
		fmt.Print("Gateway:   ")
		gray.Println("not configured")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	srv, err := server.New(cfg, logger, server.Options{})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// The reset token lives only in this process, so the console is the one place it shows up
	fmt.Println()
	yellow.Print("    ⚿ ")
	fmt.Print("Password recovery token: ")
	color.New(color.FgHiWhite, color.Bold).Println(srv.Auth().RecoveryToken())
	fmt.Println()

	logger.Info("starting clawcontrol",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	return srv.Run(ctx)
}

// healthURL turns a listen address into a URL the local machine can reach.
func healthURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("http://%s/health", addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s/health", net.JoinHostPort(host, port))
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath(), true)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL(cfg.Server.HTTPAddr), nil)
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

// runReset deletes the operator account and the event history while the
// server is stopped. The audit log is kept.
func runReset(ctx context.Context, args []string) error {
	confirmed := false
	for _, arg := range args {
		switch arg {
		case "--yes", "-y":
			confirmed = true
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}
	if !confirmed {
		return errors.New("refusing to wipe data without --yes")
	}

	cfg, err := config.Load(getConfigPath(), true)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return resetData(ctx, cfg.Database.Path, os.Stdout)
}

func resetData(ctx context.Context, dbPath string, out io.Writer) error {
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	if err := s.DeleteCredentials(ctx); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting credentials: %w", err)
	}
	if err := s.ClearEvents(ctx); err != nil {
		return fmt.Errorf("clearing events: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprintf(out, "  ✓ Operator account removed\n")
	green.Fprintf(out, "  ✓ Event history cleared\n")
	fmt.Fprintln(out, "  The next visitor to the dashboard can register a new account.")
	return nil
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "clawcontrol configuration setup")
	fmt.Fprintln(out, "===============================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		return fmt.Errorf("%s already exists; remove it first to start over", outputFile)
	}

	fmt.Fprintln(out, "\n--- Server ---")
	httpAddr := prompt(reader, out, "HTTP address", "0.0.0.0:7000")
	dbPath := prompt(reader, out, "SQLite database path", filepath.Join(getDataPath(), "clawcontrol.db"))
	workspace := prompt(reader, out, "Workspace directory", mustGetwd())

	fmt.Fprintln(out, "\n--- Gateway ---")
	gatewayURL := prompt(reader, out, "Gateway websocket URL", "ws://127.0.0.1:18789")
	gatewayToken := prompt(reader, out, "Gateway token (leave empty to disable)", "")

	fmt.Fprintln(out, "\n--- Tailscale ---")
	tailscaleEnabled := yes(prompt(reader, out, "Enable Tailscale?", "no"))
	var tsHostname string
	var tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, out, "Tailscale hostname", "clawcontrol")
		tsFunnel = yes(prompt(reader, out, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging ---")
	logLevel := prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, out, "Log format (text/json)", "text")

	content := renderConfig(initAnswers{
		HTTPAddr:         httpAddr,
		DBPath:           dbPath,
		Workspace:        workspace,
		GatewayURL:       gatewayURL,
		GatewayToken:     gatewayToken,
		TailscaleEnabled: tailscaleEnabled,
		TailscaleHost:    tsHostname,
		TailscaleFunnel:  tsFunnel,
		LogLevel:         logLevel,
		LogFormat:        logFormat,
	})

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// 0600: the file can hold the gateway token
	if err := os.WriteFile(outputFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  clawcontrol serve")
	return nil
}

type initAnswers struct {
	HTTPAddr         string
	DBPath           string
	Workspace        string
	GatewayURL       string
	GatewayToken     string
	TailscaleEnabled bool
	TailscaleHost    string
	TailscaleFunnel  bool
	LogLevel         string
	LogFormat        string
}

func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# clawcontrol configuration\n")
	cfg.WriteString("# Generated by clawcontrol init. ${VAR} references are expanded at load time.\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", a.HTTPAddr))
	cfg.WriteString("  # allow_http: true  # skip the https redirect for remote clients\n\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", a.DBPath))

	cfg.WriteString("workspace:\n")
	cfg.WriteString(fmt.Sprintf("  dir: %q\n\n", a.Workspace))

	cfg.WriteString("auth:\n")
	cfg.WriteString("  # api_token: \"${MC_API_TOKEN}\"\n")
	cfg.WriteString("  soft_lock_threshold: 5\n")
	cfg.WriteString("  soft_lock_duration: \"15m\"\n")
	cfg.WriteString("  hard_lock_threshold: 20\n")
	cfg.WriteString("  hard_lock_duration: \"24h\"\n")
	cfg.WriteString("  session_idle_timeout: \"0s\"  # 0 keeps sessions until restart\n\n")

	cfg.WriteString("gateway:\n")
	cfg.WriteString(fmt.Sprintf("  url: %q\n", a.GatewayURL))
	if a.GatewayToken != "" {
		cfg.WriteString(fmt.Sprintf("  token: %q\n", a.GatewayToken))
	} else {
		cfg.WriteString("  # token: \"${OPENCLAW_GATEWAY_TOKEN}\"\n")
	}
	cfg.WriteString("  reconnect_delay: \"5s\"\n\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.TailscaleEnabled))
	if a.TailscaleEnabled {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", a.TailscaleHost))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", a.TailscaleFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.LogFormat))
	return cfg.String()
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
