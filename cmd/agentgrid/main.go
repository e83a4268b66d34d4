package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentgrid/internal/domain"
	"agentgrid/internal/infra/config"
	"agentgrid/internal/infra/logger"
	"agentgrid/internal/infra/tracer"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "agentgrid: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches a command line. Flags may appear before or after the
// command name.
func run(args []string, out io.Writer) error {
	cmd, rest := splitCommand(args)
	switch cmd {
	case "help", "--help", "-h":
		showUsage(out)
		return nil
	case "", "serve":
		return runServe(configPath(rest))
	case "encrypt":
		return runEncrypt(positional(rest), out)
	case "replay":
		return runReplay(configPath(rest), positional(rest), out)
	default:
		return fmt.Errorf("unknown command %q (run 'agentgrid --help')", cmd)
	}
}

// splitCommand returns the first non-flag argument and the remaining args.
func splitCommand(args []string) (string, []string) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--help" || a == "-h":
			return a, nil
		case a == "--config":
			i++
		case strings.HasPrefix(a, "-"):
		default:
			rest := append(append([]string(nil), args[:i]...), args[i+1:]...)
			return a, rest
		}
	}
	return "", args
}

// positional returns args with --config and its value removed.
func positional(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config":
			i++
		case strings.HasPrefix(args[i], "--config="):
		default:
			out = append(out, args[i])
		}
	}
	return out
}

func configPath(args []string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("AGENTGRID_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func showUsage(out io.Writer) {
	fmt.Fprint(out, `agentgrid - event-sourced agent runtime with a WebSocket session gateway

USAGE:
    agentgrid [COMMAND] [FLAGS]

COMMANDS:
    serve             Run the node (default when no command is given)
    encrypt VALUE     Encrypt VALUE for use as an "enc:" config secret
                      (passphrase from AGENTGRID_CONFIG_KEY)
    replay AGENT_ID   Rebuild an agent from the configured event log and
                      print its version and lineage
    help              Show this help message

FLAGS:
    -h, --help        Show this help message
    --config PATH     Config file path (default: ./config.yaml)

CONFIGURATION:
    Environment: AGENTGRID_* variables override config; .env and .env.local
    next to the config file are loaded first.
`)
}

func runServe(cfgPath string) error {
	// 1. Config
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	// 3. Event log
	store, storeCloser, err := initStore(cfg.EventLog)
	if err != nil {
		return fmt.Errorf("eventlog: %w", err)
	}
	defer storeCloser()

	// 4. Streams, server directory and drain leases
	cl, err := initCluster(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("cluster: %w", err)
	}
	defer cl.Close()

	// 5. Agents, sessions, delivery and gateway
	rt, err := initRuntime(ctx, cfg, store, cl, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			log.Error("runtime cleanup error", "error", err)
		}
	}()

	log.Info("agentgrid starting",
		"eventlog", cfg.EventLog.Driver,
		"stream", cfg.Stream.Backend,
		"node", cl.NodeID,
		"gateway", cfg.Gateway.Enabled,
		"kinds", strings.Join(rt.Kinds, ","),
	)
	return rt.Run(ctx)
}

func runEncrypt(args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: agentgrid encrypt VALUE")
	}
	passphrase := os.Getenv("AGENTGRID_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("AGENTGRID_CONFIG_KEY must be set")
	}
	enc, err := config.EncryptValue(args[0], passphrase)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "enc:%s\n", enc)
	return nil
}

func runReplay(cfgPath string, args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: agentgrid replay AGENT_ID")
	}
	id, err := domain.ParseAgentID(args[0])
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	store, storeCloser, err := initStore(cfg.EventLog)
	if err != nil {
		return fmt.Errorf("eventlog: %w", err)
	}
	defer storeCloser()

	return replay(context.Background(), store, id, cfg.EventLog.PageSize, log, out)
}
