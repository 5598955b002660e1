// ABOUTME: Entry point for the intake-gateway chat server
// ABOUTME: Collects procurement requests over websocket and hands them to fulfillment

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
	"slices"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/2389/intake-gateway/internal/config"
	"github.com/2389/intake-gateway/internal/gateway"
)

var version = "dev" // -ldflags "-X main.version=..."

const banner = `
 _       _         _                          _
(_)_ __ | |_ __ _ | | __ ___        __ _  __ _| |_ _____      ____ _ _   _
| | '_ \| __/ _' || |/ // _ \_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| | | | | || (_| ||   <|  __/_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_|_| |_|\__\__,_||_|\_\\___|      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                                   |___/                             |___/
`

// getDataPath returns where the SQLite database lives by default.
func getDataPath() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "intake")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".local", "share", "intake")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: intake-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the gateway server")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check gateway liveness")
		fmt.Println("  ready    Check upstream readiness")
		os.Exit(1)
	}

	if err := config.LoadDotEnv(".env"); err != nil {
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
		err = runInit()
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
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
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
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
	fmt.Printf("Upstream:  %s\n", cfg.Upstream.URL)
	green.Print("    ▶ ")
	fmt.Printf("Model:     %s/%s\n", cfg.Interpreter.Provider, cfg.Interpreter.Model)

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

	fmt.Println()

	logger.Info("starting intake-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"upstream", cfg.Upstream.URL,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{level: level, out: os.Stdout, mu: &sync.Mutex{}}
	}

	return slog.New(handler)
}

var levelLabels = map[slog.Level]string{
	slog.LevelDebug: color.MagentaString("DBG"),
	slog.LevelInfo:  color.CyanString("INF"),
	slog.LevelWarn:  color.YellowString("WRN"),
	slog.LevelError: color.New(color.FgRed, color.Bold).Sprint("ERR"),
}

// colorHandler writes one colored line per record. Copies made by WithAttrs
// and WithGroup share the writer lock.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	label, ok := levelLabels[r.Level]
	if !ok {
		label = r.Level.String()
	}

	var line strings.Builder
	line.WriteString(color.HiBlackString(r.Time.Format("15:04:05")))
	line.WriteString(" " + label + " " + r.Message)

	for _, a := range h.attrs {
		writeAttr(&line, a.Key, a.Value)
	}
	prefix := h.groupPrefix()
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&line, prefix+a.Key, a.Value)
		return true
	})
	line.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, line.String())
	return err
}

func writeAttr(line *strings.Builder, key string, v slog.Value) {
	line.WriteString(color.HiBlackString(" " + key + "="))
	line.WriteString(v.String())
}

func (h *colorHandler) groupPrefix() string {
	if len(h.groups) == 0 {
		return ""
	}
	return strings.Join(h.groups, ".") + "."
}

func (h *colorHandler) clone() *colorHandler {
	c := *h
	c.attrs = slices.Clone(h.attrs)
	c.groups = slices.Clone(h.groups)
	return &c
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	prefix := h.groupPrefix()
	for _, a := range attrs {
		a.Key = prefix + a.Key
		c.attrs = append(c.attrs, a)
	}
	return c
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	c.groups = append(c.groups, name)
	return c
}

// runProbe calls a health endpoint on the configured HTTP address and prints
// the response body.
func runProbe(ctx context.Context, path string) error {
	configPath := config.DefaultPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", probeHost(cfg.Server.HTTPAddr), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ok: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// probeHost turns a listen address like ":8080" into a dialable host.
func probeHost(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

// initFile is the subset of config.Config that init writes out.
type initFile struct {
	Server struct {
		HTTPAddr string `yaml:"http_addr"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Upstream struct {
		URL          string `yaml:"url"`
		SendAttempts int    `yaml:"send_attempts"`
		RetryDelay   string `yaml:"retry_delay"`
	} `yaml:"upstream"`
	Interpreter struct {
		Provider string `yaml:"provider"`
		APIKey   string `yaml:"api_key"`
		Model    string `yaml:"model"`
		Timeout  string `yaml:"timeout"`
	} `yaml:"interpreter"`
	Defaults struct {
		Language string `yaml:"language"`
	} `yaml:"defaults"`
	Tailscale struct {
		Enabled   bool   `yaml:"enabled"`
		Hostname  string `yaml:"hostname,omitempty"`
		AuthKey   string `yaml:"auth_key,omitempty"`
		Ephemeral bool   `yaml:"ephemeral,omitempty"`
		Funnel    bool   `yaml:"funnel,omitempty"`
	} `yaml:"tailscale"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

func runInit() error {
	in := bufio.NewReader(os.Stdin)
	fmt.Println("intake-gateway setup (press enter to keep a default)")
	fmt.Println()

	path := prompt(in, "Config file path", config.DefaultPath())
	if _, err := os.Stat(path); err == nil && !isYes(prompt(in, "File exists. Overwrite?", "no")) {
		fmt.Println("Aborted.")
		return nil
	}

	var f initFile
	f.Server.HTTPAddr = prompt(in, "HTTP address", "localhost:8080")
	f.Database.Path = prompt(in, "SQLite database path", filepath.Join(getDataPath(), "intake.db"))
	f.Upstream.URL = prompt(in, "Fulfillment websocket URL", "ws://localhost:9000/ws")
	f.Upstream.SendAttempts = 3
	f.Upstream.RetryDelay = "3s"
	f.Interpreter.Provider = "gemini"
	f.Interpreter.APIKey = "${GEMINI_API_KEY}"
	f.Interpreter.Model = prompt(in, "Gemini model", "gemini-1.5-flash")
	f.Interpreter.Timeout = "30s"
	f.Defaults.Language = prompt(in, "Default reply language", "en")

	f.Tailscale.Enabled = isYes(prompt(in, "Serve on a tailnet?", "no"))
	if f.Tailscale.Enabled {
		f.Tailscale.Hostname = prompt(in, "Tailscale hostname", "intake-gateway")
		f.Tailscale.AuthKey = "${TS_AUTHKEY}"
		f.Tailscale.Ephemeral = isYes(prompt(in, "Ephemeral node?", "no"))
		f.Tailscale.Funnel = isYes(prompt(in, "Expose publicly with Funnel?", "no"))
	}

	f.Logging.Level = prompt(in, "Log level (debug/info/warn/error)", "info")
	f.Logging.Format = prompt(in, "Log format (text/json)", "text")

	body, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, append([]byte("# written by intake-gateway init\n"), body...), 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.Database.Path), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nWrote %s\n", path)
	fmt.Println("Export GEMINI_API_KEY (or put it in .env), then run: intake-gateway serve")
	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	if input = strings.TrimSpace(input); input == "" {
		return defaultVal
	}
	return input
}
