package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/openmined/syftrun/internal/api"
	"github.com/openmined/syftrun/internal/config"
	"github.com/openmined/syftrun/internal/dispatch"
	"github.com/openmined/syftrun/internal/guard"
	"github.com/openmined/syftrun/internal/lock"
	"github.com/openmined/syftrun/internal/log"
	"github.com/openmined/syftrun/internal/queue"
	"github.com/openmined/syftrun/internal/runner"
	"github.com/openmined/syftrun/internal/storage"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "submit":
		os.Exit(runSubmit(args))
	case "approve":
		os.Exit(runApprove(args))
	case "reject":
		os.Exit(runReject(args))
	case "list":
		os.Exit(runList(args))
	case "inspect":
		os.Exit(runInspect(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "version":
		fmt.Printf("syftrun version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`syftrun - approval-gated code execution queue

Usage:
  syftrun <command> [flags]

Commands:
  start             Run the poll loop (and API server if enabled)
  submit            Create a job in the inbox bucket
  approve <uid>     Approve an inbox job for execution
  reject <uid>      Reject an inbox job without executing it
  list              List jobs, optionally filtered by status/target
  inspect <uid>     Show a job's full record and execution log
  config lock       Authorize the current config (write checksum)
  config check      Verify the config against its locked checksum
  version           Show version information
  help              Show this help message

All commands accept --config (default ./config.yaml).
`)
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist and was not explicitly requested.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil && !explicit {
		return config.Defaults(), nil
	}
	return config.Load(path)
}

// openStore builds the configured queue store. The returned closer is a
// no-op for the filesystem backend.
func openStore(ctx context.Context, cfg *config.Config) (queue.Store, func(), error) {
	switch cfg.Queue.Backend {
	case "sqlite":
		db, err := storage.OpenSQLite(ctx, cfg.Queue.Path)
		if err != nil {
			return nil, nil, err
		}
		store, err := queue.NewSQLiteStore(db, cfg.Queue.Root)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store, func() { _ = db.Close() }, nil
	default:
		store, err := queue.NewFSStore(cfg.Queue.Root)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	if err := config.Verify(*configPath); err != nil {
		if errors.Is(err, config.ErrChecksumMissing) {
			logger.Warn("config has not been locked; run \"syftrun config lock\"")
		} else {
			logger.Warn("config integrity check failed", "error", err)
		}
	}

	if cfg.Service.OwnerEmail == "" {
		fmt.Fprintln(os.Stderr, "Error: service.owner_email is required to start the runner")
		return 1
	}

	runnerLock, err := lock.Acquire(cfg.Queue.Root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = runnerLock.Release() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore()

	engine := runner.NewEngine(cfg.Runner.MaxOutputBytes, cfg.Runner.GracePeriod.Std())
	validator := guard.New(cfg.Guard.Blocked, cfg.Guard.Allowed)
	loop := dispatch.New(store, engine, validator, dispatch.Options{
		OwnerEmail:    cfg.Service.OwnerEmail,
		TickInterval:  cfg.Service.TickInterval.Std(),
		MaxConcurrent: cfg.Runner.MaxConcurrent,
		CleanupAfter:  cfg.Runner.CleanupAfter.Std(),
	})

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.New(api.Config{
			Listen:     cfg.API.Listen,
			OwnerEmail: cfg.Service.OwnerEmail,
			Version:    version,
		}, store, log.Get())
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("api server failed", "error", err)
			}
		}()
	}

	logger.Info("syftrun started",
		"version", version,
		"owner", cfg.Service.OwnerEmail,
		"queue_root", cfg.Queue.Root,
		"backend", cfg.Queue.Backend)

	err = loop.Start(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("poll loop failed", "error", err)
		return 1
	}

	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}
	return 0
}

func runSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	name := fs.String("name", "", "job name (required)")
	code := fs.String("code", "", "path to the code folder containing run.sh (required)")
	target := fs.String("target", "", "data owner email (required)")
	requester := fs.String("requester", "", "requester email")
	description := fs.String("description", "", "job description")
	tags := fs.String("tags", "", "comma-separated tags")
	timeout := fs.Duration("timeout", 0, "approval/run timeout (default 24h)")
	_ = fs.Parse(args)

	if *name == "" || *code == "" || *target == "" {
		fmt.Fprintln(os.Stderr, "Error: --name, --code and --target are required")
		return 1
	}

	cfg, err := loadConfig(*configPath, flagWasSet(fs, "config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	codeAbs, err := filepath.Abs(*code)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := os.Stat(filepath.Join(codeAbs, runner.EntrypointName)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s not found in %s\n", runner.EntrypointName, codeAbs)
		return 1
	}

	timeoutSeconds := int(cfg.Runner.DefaultTimeout.Std().Seconds())
	if *timeout > 0 {
		timeoutSeconds = int(timeout.Seconds())
	}

	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore()

	job, err := store.CreateJob(ctx, queue.CreateRequest{
		Name:           *name,
		RequesterEmail: *requester,
		TargetEmail:    *target,
		CodeLocation:   codeAbs,
		Description:    *description,
		Tags:           parseTags(*tags),
		TimeoutSeconds: timeoutSeconds,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("Submitted job %s (%s), awaiting approval by %s\n", job.UID, job.Name, job.TargetEmail)
	return 0
}

func runApprove(args []string) int {
	return runDecision(args, "approve", queue.StatusApproved)
}

func runReject(args []string) int {
	return runDecision(args, "reject", queue.StatusRejected)
}

// runDecision moves an inbox job to approved or rejected through the state
// machine, so transition invariants hold for manual decisions too.
func runDecision(args []string, verb string, target queue.Status) int {
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	reason := fs.String("reason", "", "reason recorded on the job (reject only)")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: syftrun %s [flags] <uid>\n", verb)
		return 1
	}
	uid := fs.Arg(0)

	cfg, err := loadConfig(*configPath, flagWasSet(fs, "config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore()

	job, err := store.GetJob(ctx, uid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	msg := ""
	if target == queue.StatusRejected {
		msg = *reason
		if msg == "" {
			msg = "rejected by data owner"
		}
	}

	// The state machine has no inbox->rejected edge; route the manual
	// decision through approved so both moves stay legal.
	if target == queue.StatusRejected && job.Status == queue.StatusInbox {
		if err := store.MoveJob(ctx, job, queue.StatusApproved, ""); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
	}

	if err := store.MoveJob(ctx, job, target, msg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Printf("Job %s is now %s\n", job.UID, job.Status)
	return 0
}

func runList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	statusFlag := fs.String("status", "", "filter by status")
	targetFlag := fs.String("target", "", "filter by target email")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath, flagWasSet(fs, "config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	filter := queue.ListFilter{TargetEmail: *targetFlag}
	if *statusFlag != "" {
		status := queue.Status(*statusFlag)
		if !status.Valid() {
			fmt.Fprintf(os.Stderr, "Error: unknown status %q\n", *statusFlag)
			return 1
		}
		filter.Status = &status
	}

	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore()

	jobs, err := store.ListJobs(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "UID\tNAME\tSTATUS\tTARGET\tCREATED")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			job.UID, job.Name, job.Status, job.TargetEmail,
			job.CreatedAt.Local().Format(time.RFC3339))
	}
	_ = w.Flush()
	return 0
}

func runInspect(args []string) int {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	_ = fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: syftrun inspect [flags] <uid>")
		return 1
	}
	uid := fs.Arg(0)

	cfg, err := loadConfig(*configPath, flagWasSet(fs, "config"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeStore()

	job, err := store.GetJob(ctx, uid)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(string(data))

	logPath := filepath.Join(store.JobDir(job), runner.ExecutionLogName)
	if content, err := os.ReadFile(logPath); err == nil {
		fmt.Printf("\n--- %s ---\n%s", runner.ExecutionLogName, content)
	}
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: syftrun config <lock|check> [flags]")
		return 1
	}
	action := args[0]

	fs := flag.NewFlagSet("config "+action, flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "path to config file")
	_ = fs.Parse(args[1:])

	switch action {
	case "lock":
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if err := config.Lock(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("Locked %s\n", *configPath)
		return 0
	case "check":
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if err := config.Verify(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Printf("%s matches its locked checksum\n", *configPath)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

// parseTags splits a comma-separated tag list, dropping empties.
func parseTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var tags []string
	for _, tag := range strings.Split(raw, ",") {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

// flagWasSet reports whether the user passed name explicitly.
func flagWasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
