// Satchel is a conversational agent core with dynamically loadable
// capability packs.
//
// It exposes an HTTP API for chat, pack lifecycle control, tool
// introspection, and a live WebSocket event stream, plus a CLI for
// one-shot questions. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	satchel serve            Start the API server
//	satchel ask <question>   Ask a single question (for testing)
//	satchel version          Print version and build information
//	satchel -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/satchel-ai/satchel/internal/api"
	"github.com/satchel-ai/satchel/internal/buildinfo"
	"github.com/satchel-ai/satchel/internal/call"
	"github.com/satchel-ai/satchel/internal/chat"
	"github.com/satchel-ai/satchel/internal/config"
	"github.com/satchel-ai/satchel/internal/events"
	"github.com/satchel-ai/satchel/internal/llm"
	"github.com/satchel-ai/satchel/internal/manager"
	"github.com/satchel-ai/satchel/internal/pack"
	"github.com/satchel-ai/satchel/internal/packs/contacts"
	"github.com/satchel-ai/satchel/internal/packs/email"
	"github.com/satchel-ai/satchel/internal/packs/forge"
	"github.com/satchel-ai/satchel/internal/packs/mqtt"
	"github.com/satchel-ai/satchel/internal/packs/system"
	"github.com/satchel-ai/satchel/internal/packs/util"
	"github.com/satchel-ai/satchel/internal/packs/web"
)

// defaultSystemPrompt frames the assistant for tool use. Deployments
// override it per conversation via the API when needed.
const defaultSystemPrompt = "You are Satchel, a capable assistant with access to tools. " +
	"Use tools when they help answer the question; answer directly when they do not. " +
	"Tools can be added and removed at runtime with the system pack."

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run parses arguments by hand: the flag package relies on package
// globals, which makes run() impossible to call concurrently from
// tests, and the argument surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: satchel ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Satchel - Conversational agent with loadable capability packs")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: satchel [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

func loadConfig(explicit string) (*config.Config, string, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// runtimeParts holds everything the serve and ask commands share:
// registry, manager, chat service, and the packs wired from config.
type runtimeParts struct {
	bus      *events.Bus
	registry *pack.Registry
	manager  *manager.Manager
	chat     *chat.Service
	closers  []func() error
}

func (p *runtimeParts) close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

// buildRuntime wires the core from config: event bus, call archive,
// tool manager, capability registry, packs, model client, and the
// conversation service. The system pack is registered and loaded
// unconditionally; connected packs are registered only when their
// config section is present, and loading stays deferred to autoload or
// an explicit load request.
func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtimeParts, error) {
	parts := &runtimeParts{bus: events.New()}

	var archive *call.Archive
	if cfg.Trace.ArchivePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Trace.ArchivePath), 0755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
		db, err := call.OpenArchiveDB(cfg.Trace.ArchivePath)
		if err != nil {
			return nil, err
		}
		parts.closers = append(parts.closers, db.Close)
		archive, err = call.NewArchive(db)
		if err != nil {
			return nil, err
		}
		logger.Info("call archive opened", "path", cfg.Trace.ArchivePath)
	}

	parts.manager = manager.New(logger, parts.bus, archive, cfg.Trace.RingSize)
	parts.registry = pack.NewRegistry(logger, parts.bus)
	parts.registry.AddListener(parts.manager)

	if err := registerPacks(cfg, logger, parts.registry, parts.manager); err != nil {
		return nil, err
	}

	if _, err := parts.registry.Load(ctx, pack.SystemDomain); err != nil {
		return nil, fmt.Errorf("load system pack: %w", err)
	}
	for _, domain := range cfg.Packs.Autoload {
		if _, err := parts.registry.Load(ctx, domain); err != nil {
			// A missing broker or credential should not stop the
			// process; the pack stays unloaded until fixed.
			logger.Warn("autoload failed", "domain", domain, "error", err)
		}
	}

	client, err := llm.New(cfg.Provider.Name, llm.Options{
		APIKey:      cfg.Provider.APIKey,
		BaseURL:     cfg.Provider.BaseURL,
		MaxTokens:   cfg.Provider.MaxTokens,
		Temperature: cfg.Provider.Temperature,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	parts.chat = chat.NewService(logger, parts.bus, client, parts.manager, cfg.Provider.Model)
	return parts, nil
}

// registerPacks registers the builtin packs. Connected packs (mqtt,
// email, contacts, forge) are skipped when unconfigured so they never
// show up as loadable-but-doomed.
func registerPacks(cfg *config.Config, logger *slog.Logger, reg *pack.Registry, mgr *manager.Manager) error {
	if err := reg.Register(system.New(reg, mgr)); err != nil {
		return err
	}
	if err := reg.Register(util.New()); err != nil {
		return err
	}
	if err := reg.Register(web.New(web.Config{
		UserAgent: cfg.Web.UserAgent,
	})); err != nil {
		return err
	}

	if cfg.MQTT.BrokerURL != "" {
		if err := reg.Register(mqtt.New(mqtt.Config{
			Broker:   cfg.MQTT.BrokerURL,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			ClientID: cfg.MQTT.ClientID,
		}, logger)); err != nil {
			return err
		}
	}

	if cfg.Contacts.URL != "" {
		if err := reg.Register(contacts.New(contacts.Config{
			Endpoint: cfg.Contacts.URL,
			Username: cfg.Contacts.Username,
			Password: cfg.Contacts.Password,
		}, logger)); err != nil {
			return err
		}
	}

	if cfg.Email.Server != "" {
		host, port, err := splitServer(cfg.Email.Server, 993)
		if err != nil {
			return fmt.Errorf("email server: %w", err)
		}
		if err := reg.Register(email.New(email.Config{
			Host:     host,
			Port:     port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			TLS:      true,
		}, logger)); err != nil {
			return err
		}
	}

	if cfg.Forge.Token != "" {
		if err := reg.Register(forge.New(forge.Config{
			Token:   cfg.Forge.Token,
			Owner:   cfg.Forge.Owner,
			BaseURL: cfg.Forge.BaseURL,
		}, logger)); err != nil {
			return err
		}
	}

	return nil
}

// splitServer splits "host:port", falling back to defPort for a bare
// host.
func splitServer(server string, defPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		return server, defPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo)
	logger.Info("starting Satchel",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the desired level is known; the Info-level
	// logger above covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = config.NewLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.Provider.Name,
		"model", cfg.Provider.Model,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	parts, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer parts.close()

	if err := parts.chat.Ping(ctx); err != nil {
		logger.Warn("model provider not reachable at startup", "error", err)
	}

	srv := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, parts.registry, parts.manager, parts.chat, parts.bus, logger)
	srv.SetSystemPrompt(defaultSystemPrompt)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	// Unload everything so pack teardown hooks run before exit.
	for _, info := range parts.registry.ListPacks() {
		if !info.Loaded || info.Domain == pack.SystemDomain {
			continue
		}
		if _, err := parts.registry.Unload(shutdownCtx, info.Domain); err != nil {
			logger.Warn("unload on shutdown failed", "domain", info.Domain, "error", err)
		}
	}
	logger.Info("goodbye")
	return nil
}

// runAsk boots a minimal runtime and processes a single question,
// printing the answer to stdout.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := config.NewLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	parts, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer parts.close()

	conv := chat.NewConversation(defaultSystemPrompt)
	res, err := parts.chat.SendMessage(ctx, conv, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, res.Content)
	return nil
}
