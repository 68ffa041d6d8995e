package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/msageha/conduit/internal/dispatch"
	"github.com/msageha/conduit/internal/events"
	"github.com/msageha/conduit/internal/launch"
	"github.com/msageha/conduit/internal/logx"
	"github.com/msageha/conduit/internal/model"
	"github.com/msageha/conduit/internal/queue"
	"github.com/msageha/conduit/internal/runner"
	"github.com/msageha/conduit/internal/setup"
	"github.com/msageha/conduit/internal/state"
	"github.com/msageha/conduit/internal/status"
	"github.com/msageha/conduit/internal/telegram"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "init":
		runInit(os.Args[2:])
	case "run":
		runRun(os.Args[2:])
	case "watch":
		runWatch(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "enqueue":
		runEnqueue(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version":
		fmt.Printf("conduit %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// splitConfigFlag resolves the config file location (--config wins, then
// CONDUIT_CONFIG, then the conventional install path) and strips the flag
// from args so commands parse the remainder themselves.
func splitConfigFlag(args []string) (string, []string) {
	path := os.Getenv("CONDUIT_CONFIG")
	if path == "" {
		path = "/opt/conduit/conduit.yaml"
	}
	var rest []string
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" {
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			i++
			path = args[i]
			continue
		}
		rest = append(rest, args[i])
	}
	return path, rest
}

func loadConfig(path string) model.Config {
	cfg, err := model.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func newLogger(cfg model.Config, component string) *logx.Logger {
	return logx.New(os.Stderr, component, logx.ParseLevel(cfg.Logging.Level))
}

// newBus wires the audit trail under the volume's logs directory. A bus
// without a working audit log still serves in-process subscribers.
func newBus(cfg model.Config, logger *logx.Logger) *events.Bus {
	bus := events.NewBus(100)
	audit, err := events.NewAuditLogger(filepath.Join(cfg.Volume.Root, "logs", "events.log"))
	if err != nil {
		logger.Log(logx.LevelWarn, "audit log unavailable: %v", err)
		return bus
	}
	audit.Attach(bus)
	return bus
}

func runInit(args []string) {
	var root, configOut string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--write-config":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "--write-config requires a value")
				os.Exit(1)
			}
			i++
			configOut = args[i]
		default:
			if root != "" {
				fmt.Fprintf(os.Stderr, "unknown argument: %s\nusage: conduit init <volume_root> [--write-config <path>]\n", args[i])
				os.Exit(1)
			}
			root = args[i]
		}
	}
	if root == "" {
		fmt.Fprintln(os.Stderr, "usage: conduit init <volume_root> [--write-config <path>]")
		os.Exit(1)
	}

	if err := setup.Run(root, configOut); err != nil {
		fmt.Fprintf(os.Stderr, "init: %v\n", err)
		os.Exit(1)
	}
	absRoot, _ := filepath.Abs(root)
	fmt.Printf("Initialized conduit volume at %s\n", absRoot)
	if configOut != "" {
		fmt.Printf("Wrote starter config to %s\n", configOut)
	}
}

func runRun(args []string) {
	path, rest := splitConfigFlag(args)
	if len(rest) > 0 {
		fmt.Fprintf(os.Stderr, "unknown argument: %s\nusage: conduit run [--config <path>]\n", rest[0])
		os.Exit(1)
	}
	cfg := loadConfig(path)
	logger := newLogger(cfg, "runner")

	r, err := buildRunner(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	rc, err := r.RunOnce(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		os.Exit(1)
	}
	os.Exit(rc)
}

func runWatch(args []string) {
	path, rest := splitConfigFlag(args)
	if len(rest) > 0 {
		fmt.Fprintf(os.Stderr, "unknown argument: %s\nusage: conduit watch [--config <path>]\n", rest[0])
		os.Exit(1)
	}
	cfg := loadConfig(path)
	logger := newLogger(cfg, "watch")

	r, err := buildRunner(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		os.Exit(1)
	}
	if err := runner.NewWatcher(r).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		os.Exit(1)
	}
}

func buildRunner(cfg model.Config, logger *logx.Logger) (*runner.Runner, error) {
	q, err := queue.Open(cfg.Queue.Dir)
	if err != nil {
		return nil, err
	}
	states := state.NewStore(cfg.Volume.StateDir)
	return runner.New(cfg, model.LoadSecrets(), q, states, newBus(cfg, logger), logger), nil
}

func runServe(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: conduit serve <dispatch|telegram> [--config <path>]")
		os.Exit(1)
	}
	switch args[0] {
	case "dispatch":
		serveDispatch(args[1:])
	case "telegram":
		serveTelegram(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown serve subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: conduit serve <dispatch|telegram> [--config <path>]")
		os.Exit(1)
	}
}

func serveDispatch(args []string) {
	path, rest := splitConfigFlag(args)
	if len(rest) > 0 {
		fmt.Fprintf(os.Stderr, "unknown argument: %s\nusage: conduit serve dispatch [--config <path>]\n", rest[0])
		os.Exit(1)
	}
	cfg := loadConfig(path)
	secrets := model.LoadSecrets()
	logger := newLogger(cfg, "dispatch")

	q, err := queue.Open(cfg.Queue.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve dispatch: %v\n", err)
		os.Exit(1)
	}
	runs, err := dispatch.NewRunStore(cfg.Dispatch.RunsDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve dispatch: %v\n", err)
		os.Exit(1)
	}
	starter, err := launch.New(cfg, logger.Std())
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve dispatch: %v\n", err)
		os.Exit(1)
	}

	svc, err := dispatch.New(cfg, secrets, q, runs, launch.Deduped(starter), newBus(cfg, logger), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve dispatch: %v\n", err)
		os.Exit(1)
	}

	logger.Log(logx.LevelInfo, "listening on %s", cfg.Dispatch.ListenAddr)
	if err := http.ListenAndServe(cfg.Dispatch.ListenAddr, svc.Handler()); err != nil {
		fmt.Fprintf(os.Stderr, "serve dispatch: %v\n", err)
		os.Exit(1)
	}
}

func serveTelegram(args []string) {
	path, rest := splitConfigFlag(args)
	if len(rest) > 0 {
		fmt.Fprintf(os.Stderr, "unknown argument: %s\nusage: conduit serve telegram [--config <path>]\n", rest[0])
		os.Exit(1)
	}
	cfg := loadConfig(path)
	secrets := model.LoadSecrets()
	logger := newLogger(cfg, "telegram")

	q, err := queue.Open(cfg.Telegram.QueueDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve telegram: %v\n", err)
		os.Exit(1)
	}
	starter, err := launch.New(cfg, logger.Std())
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve telegram: %v\n", err)
		os.Exit(1)
	}

	svc, err := telegram.New(cfg, secrets, q, launch.Deduped(starter), newBus(cfg, logger), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve telegram: %v\n", err)
		os.Exit(1)
	}

	logger.Log(logx.LevelInfo, "listening on %s", cfg.Telegram.ListenAddr)
	if err := http.ListenAndServe(cfg.Telegram.ListenAddr, svc.Handler()); err != nil {
		fmt.Fprintf(os.Stderr, "serve telegram: %v\n", err)
		os.Exit(1)
	}
}

func runEnqueue(args []string) {
	path, rest := splitConfigFlag(args)

	var name, promptFile, promptText, configTOML string
	meta := model.Meta{}
	for i := 0; i < len(rest); i++ {
		flag := rest[i]
		if flag == "--fork" {
			meta.Fork = true
			continue
		}
		if i+1 >= len(rest) {
			fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
			os.Exit(1)
		}
		i++
		value := rest[i]
		switch flag {
		case "--name":
			name = value
		case "--prompt":
			promptText = value
		case "--prompt-file":
			promptFile = value
		case "--config-toml":
			configTOML = value
		case "--state-key":
			meta.StateKey = value
		case "--model":
			meta.Model = value
		case "--workdir-rel":
			meta.WorkdirRel = value
		case "--conversation-id":
			meta.ConversationID = value
		case "--pre":
			meta.PreCommands = append(meta.PreCommands, value)
		case "--post":
			meta.PostCommands = append(meta.PostCommands, value)
		case "--git-repo":
			meta.GitRepo = value
		case "--git-branch":
			meta.GitBranch = value
		case "--git-base":
			meta.GitBase = value
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n", flag)
			fmt.Fprintln(os.Stderr, "usage: conduit enqueue [--prompt <text>|--prompt-file <path|->] [options]")
			os.Exit(1)
		}
	}

	if promptText == "" && promptFile == "" {
		fmt.Fprintln(os.Stderr, "one of --prompt or --prompt-file is required")
		os.Exit(1)
	}
	if promptText == "" {
		var data []byte
		var err error
		if promptFile == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(promptFile)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "read prompt: %v\n", err)
			os.Exit(1)
		}
		promptText = string(data)
	}

	cfg := loadConfig(path)
	if configTOML == "" {
		configTOML = cfg.Agent.ConfigFile
	}
	tomlData, err := os.ReadFile(configTOML)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read config toml: %v\n", err)
		os.Exit(1)
	}

	q, err := queue.Open(cfg.Queue.Dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		os.Exit(1)
	}
	bundle, err := q.Enqueue(queue.EnqueueRequest{
		Name:       name,
		Prompt:     promptText,
		ConfigTOML: string(tomlData),
		Meta:       meta,
	})
	if errors.Is(err, queue.ErrDuplicate) {
		fmt.Fprintf(os.Stderr, "enqueue: bundle %s already exists\n", bundle)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(bundle)
}

func runStatus(args []string) {
	path, rest := splitConfigFlag(args)
	jsonOutput := false
	for _, a := range rest {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: conduit status [--json] [--config <path>]\n", a)
			os.Exit(1)
		}
	}

	cfg := loadConfig(path)
	if err := status.Run(cfg, os.Stdout, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `conduit %s — filesystem work queue for AI agent sessions

Usage: conduit <command> [options]

Volume:
  init <root> [--write-config <path>]   Create the volume layout
  status [--json]                       Show queue and runner status

Runner:
  run                Drain one batch of queue items and exit
  watch              Stay resident, draining on queue changes

Services:
  serve dispatch     HTTP dispatch and runs API
  serve telegram     Telegram webhook receiver

Producers:
  enqueue [options]  Write a prompt bundle into the queue

Common:
  --config <path>    Config file (default $CONDUIT_CONFIG or /opt/conduit/conduit.yaml)
  version            Show version
  help               Show this help

`, version)
}
