package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"relaykit/internal/agent"
	"relaykit/internal/emulator"
	"relaykit/internal/infra/config"
	"relaykit/internal/infra/logger"
	"relaykit/internal/infra/tracer"
	"relaykit/internal/procman"
	"relaykit/internal/relay"
	"relaykit/internal/rpcclient"
	"relaykit/internal/usecase/eventbus"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage()
	case "serve":
		exitOn("serve", runServe())
	case "agent":
		exitOn("agent", runAgent())
	case "call":
		exitOn("call", runCall())
	case "status":
		exitOn("status", runStatus())
	case "kill":
		exitOn("kill", runKill())
	case "secret":
		exitOn("secret", runSecret())
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'relaykit --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func exitOn(command string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", command, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`relaykit - development relay between local workers and remote callers

USAGE:
    relaykit COMMAND [FLAGS]

COMMANDS:
    serve       Run the relay Coordinator
    agent       Run the local agent (connects to the Coordinator, replays
                traffic against the local origin, manages the emulator)
    call NAME [INPUT]
                Invoke a procedure through the relay; INPUT is a JSON value
    status      List detached processes tracked by PID files
    kill ID     Terminate the detached process registered under ID
    secret      Subcommands: generate, encrypt VALUE

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./relaykit.yaml)

CONFIGURATION:
    Config file: ./relaykit.yaml
    Environment: RELAYKIT_* variables override config
    RELAYKIT_CONFIG_KEY decrypts "enc:" secrets at load time`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("RELAYKIT_CONFIG"); p != "" {
		return p
	}
	return "relaykit.yaml"
}

func runServe() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Relay.Secret == "" {
		return fmt.Errorf("config: relay.secret is required to serve (try 'relaykit secret generate')")
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	bus := eventbus.New(log)
	defer bus.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	coord := relay.NewCoordinator(cfg.Relay, bus, log)
	return coord.Start(ctx)
}

func runAgent() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	bus := eventbus.New(log)
	defer bus.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Emulator is optional: only started when a command is configured.
	if len(cfg.Emulator.Command) > 0 {
		ctrl, pid, err := emulator.NewSubprocess(ctx, cfg.Emulator, bus, log)
		if err != nil {
			return fmt.Errorf("emulator: %w", err)
		}
		defer func() {
			disposeCtx, disposeCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer disposeCancel()
			if err := ctrl.Dispose(disposeCtx); err != nil {
				log.Warn("emulator dispose failed", "error", err)
			}
		}()
		log.Info("emulator running", "pid", pid)

		if len(cfg.Emulator.Workers) > 0 {
			watcher, err := emulator.NewWatcher(ctrl, cfg.Emulator.Workers, log)
			if err != nil {
				return fmt.Errorf("watcher: %w", err)
			}
			defer watcher.Close()
			go func() {
				if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error("watcher stopped", "error", err)
				}
			}()
		}
	}

	pm, err := procman.NewManager(cfg.Processes, bus, log)
	if err != nil {
		return fmt.Errorf("procman: %w", err)
	}
	janitor, err := procman.NewJanitor(pm, cfg.Processes.JanitorSchedule, log)
	if err != nil {
		return fmt.Errorf("janitor: %w", err)
	}
	if janitor != nil {
		janitor.Start()
		defer janitor.Stop()
	}

	a := agent.New(cfg.Agent, bus, log)
	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func runCall() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: relaykit call NAME [INPUT]")
	}
	name := os.Args[2]

	var input any
	if len(os.Args) >= 4 {
		if err := json.Unmarshal([]byte(os.Args[3]), &input); err != nil {
			return fmt.Errorf("input is not valid JSON: %w", err)
		}
	}

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	url := "ws://" + cfg.Relay.InternalAddr + relay.PathRPC
	client := rpcclient.New(url, nil, log)
	value, err := client.Call(ctx, name, input)
	if err != nil {
		return err
	}
	fmt.Println(string(value))
	return nil
}

func runStatus() error {
	m, closer, err := newProcman()
	if err != nil {
		return err
	}
	defer closer()

	infos, err := m.List()
	if err != nil {
		return err
	}
	if len(infos) == 0 {
		fmt.Println("no tracked processes")
		return nil
	}
	for _, info := range infos {
		state := "stale"
		if info.Running {
			state = "running"
		}
		fmt.Printf("%-20s pid %-8d %s\n", info.Identifier, info.PID, state)
	}
	return nil
}

func runKill() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: relaykit kill IDENTIFIER")
	}

	m, closer, err := newProcman()
	if err != nil {
		return err
	}
	defer closer()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.Kill(ctx, os.Args[2])
}

func newProcman() (*procman.Manager, func(), error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}

	m, err := procman.NewManager(cfg.Processes, nil, log)
	if err != nil {
		logCloser()
		return nil, nil, err
	}
	return m, func() { logCloser() }, nil
}

func runSecret() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: relaykit secret <generate|encrypt VALUE>")
	}

	switch os.Args[2] {
	case "generate":
		fmt.Println(ulid.MustNew(ulid.Now(), rand.Reader).String())
		return nil
	case "encrypt":
		if len(os.Args) < 4 {
			return fmt.Errorf("usage: relaykit secret encrypt VALUE")
		}
		passphrase := os.Getenv("RELAYKIT_CONFIG_KEY")
		if passphrase == "" {
			return fmt.Errorf("RELAYKIT_CONFIG_KEY must be set to encrypt secrets")
		}
		enc, err := config.EncryptValue(os.Args[3], passphrase)
		if err != nil {
			return err
		}
		fmt.Println("enc:" + enc)
		return nil
	default:
		return fmt.Errorf("unknown secret command: %s (want: generate, encrypt)", os.Args[2])
	}
}
