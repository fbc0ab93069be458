package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/aramoto99/new-aiaccel/internal/executor"
	"github.com/aramoto99/new-aiaccel/internal/ledger"
	"github.com/aramoto99/new-aiaccel/internal/notify"
	"github.com/aramoto99/new-aiaccel/internal/optimizer"
	"github.com/aramoto99/new-aiaccel/internal/paramspace"
	"github.com/aramoto99/new-aiaccel/internal/report"
	"github.com/aramoto99/new-aiaccel/internal/scheduler"
	"github.com/aramoto99/new-aiaccel/internal/server"
	"github.com/aramoto99/new-aiaccel/pkg/config"
	"github.com/aramoto99/new-aiaccel/pkg/logger"
	"github.com/aramoto99/new-aiaccel/pkg/models"
	"github.com/aramoto99/new-aiaccel/pkg/utils"
)

const (
	exitOK     = 0
	exitConfig = 1
	exitLedger = 2
	exitFatal  = 3
)

const callbackSecretEnv = "HPO_CALLBACK_SECRET"

const usage = `usage:
  hpo run -c config.yaml [--clean] [--grpc-addr addr] [--http-addr addr]
  hpo resume -c config.yaml [--grpc-addr addr] [--http-addr addr]
  hpo status --grpc-addr addr [--trials state] [--watch]
`

type runOptions struct {
	resume     bool
	configPath string
	clean      bool
	grpcAddr   string
	httpAddr   string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitConfig
	}
	switch args[0] {
	case "run", "resume":
		opts, err := parseRunFlags(args[0], args[1:], stderr)
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		if err != nil {
			fmt.Fprintln(stderr, err)
			return exitConfig
		}
		if _, err := optimize(ctx, opts, stderr); err != nil {
			logger.Error("run failed", "error", err)
			fmt.Fprintln(stderr, "error:", err)
			return exitCode(err)
		}
		return exitOK
	case "status":
		return status(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return exitOK
	}
	fmt.Fprintf(stderr, "unknown command %q\n%s", args[0], usage)
	return exitConfig
}

func parseRunFlags(cmd string, args []string, stderr io.Writer) (runOptions, error) {
	opts := runOptions{resume: cmd == "resume"}
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "c", "", "path to the run configuration")
	fs.StringVar(&opts.configPath, "config", "", "path to the run configuration")
	fs.StringVar(&opts.grpcAddr, "grpc-addr", "", "serve the gRPC status API on this address")
	fs.StringVar(&opts.httpAddr, "http-addr", "", "serve the HTTP status API on this address")
	fs.StringVar(&opts.logLevel, "log-level", "", "override generic.log_level (debug, info, warn, error)")
	if !opts.resume {
		fs.BoolVar(&opts.clean, "clean", false, "wipe an existing workspace before starting")
	}
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.configPath == "" {
		return opts, errors.New("-c config.yaml is required")
	}
	return opts, nil
}

func exitCode(err error) int {
	switch {
	case models.IsConfigError(err):
		return exitConfig
	case models.IsLedgerCorruption(err):
		return exitLedger
	default:
		return exitFatal
	}
}

// optimize runs or resumes the run described by opts.configPath, writes the
// reports and sends the completion callback.
func optimize(ctx context.Context, opts runOptions, stderr io.Writer) (*scheduler.Result, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		if !models.IsConfigError(err) {
			err = &models.ConfigError{Field: "config", Err: err}
		}
		return nil, err
	}
	level := cfg.Generic.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger.Setup(level, cfg.Generic.LogFormat, stderr)

	// the search is fully validated before --clean may wipe a previous run
	specs, err := cfg.Optimize.Specs()
	if err != nil {
		return nil, err
	}
	space, err := paramspace.New(specs)
	if err != nil {
		return nil, err
	}
	opt, err := optimizer.New(cfg.Optimize.SearchAlgorithm, space, optimizer.Options{
		Goal:       cfg.Optimize.Goal,
		GridPoints: cfg.Optimize.GridPoints,
		StepSize:   cfg.Optimize.StepSize,
	})
	if err != nil {
		if errors.Is(err, optimizer.ErrUnknownAlgorithm) {
			err = &models.ConfigError{Field: "optimize.search_algorithm", Err: err}
		}
		return nil, err
	}

	ws, dsn := cfg.Generic.Workspace, cfg.Generic.LedgerDSN
	if err := prepareWorkspace(opts, ws, dsn); err != nil {
		return nil, err
	}

	store, err := ledger.OpenStore(ws, dsn)
	if err != nil {
		return nil, err
	}
	l, err := ledger.Open(store)
	if err != nil {
		store.Close()
		return nil, err
	}
	defer l.Close()

	runID := utils.GenerateRunID()
	if meta := l.Meta(); meta != nil {
		runID = meta.RunID
	}
	log := logger.With("run_id", runID)

	exec, err := executor.New(cfg, executor.Options{RunID: runID})
	if err != nil {
		return nil, err
	}
	defer exec.Close()

	sched, err := scheduler.New(scheduler.Options{
		Config:    cfg,
		RunID:     runID,
		Space:     space,
		Optimizer: opt,
		Executor:  exec,
		Ledger:    l,
	})
	if err != nil {
		return nil, err
	}

	shutdown, err := startServers(opts, sched, l)
	if err != nil {
		return nil, err
	}
	defer shutdown()

	log.Info("starting run",
		"resume", opts.resume,
		"algorithm", opt.Name(),
		"trial_number", cfg.Optimize.TrialNumber,
		"workers", exec.Capacity(),
		"workspace", ws)

	res, runErr := sched.Run(ctx)
	callback := notify.NewNotifier(notify.WithSecret(os.Getenv(callbackSecretEnv)))
	if runErr != nil {
		p := notify.Payload{RunID: runID, Status: notify.StatusFailed, Goal: cfg.Optimize.Goal,
			TrialNumber: cfg.Optimize.TrialNumber, Issued: l.NextID(), Counts: l.Counts(), Error: runErr.Error()}
		sendCallback(context.WithoutCancel(ctx), callback, cfg.Generic.CallbackURL, p)
		return nil, runErr
	}

	if err := writeReports(ws, space.Specs(), cfg.Optimize.Goal, res, l); err != nil {
		return res, err
	}

	p := notify.Payload{
		RunID:       res.RunID,
		Status:      notify.StatusCompleted,
		Goal:        cfg.Optimize.Goal,
		TrialNumber: res.Total,
		Issued:      res.Issued,
		Counts:      res.Counts,
		DurationMs:  res.Duration.Milliseconds(),
	}
	if res.Cancelled {
		p.Status = notify.StatusCancelled
	}
	p.SetBest(res.Best)
	sendCallback(context.WithoutCancel(ctx), callback, cfg.Generic.CallbackURL, p)
	return res, nil
}

// prepareWorkspace enforces run/resume semantics: run refuses a workspace
// that already holds a ledger unless --clean is given, resume requires one.
func prepareWorkspace(opts runOptions, ws, dsn string) error {
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	exists, err := ledger.Exists(ws, dsn)
	if err != nil {
		return err
	}
	switch {
	case opts.resume && !exists:
		return models.NewConfigError("generic.workspace", "%s holds no run to resume", ws)
	case !opts.resume && exists && !opts.clean:
		return models.NewConfigError("generic.workspace", "%s already holds a run, use resume or --clean", ws)
	case opts.clean:
		return cleanWorkspace(ws, dsn)
	}
	return nil
}

// cleanWorkspace removes the ledger and every artifact a previous run left
// in ws. Unrelated files are kept.
func cleanWorkspace(ws, dsn string) error {
	if err := ledger.Reset(ws, dsn); err != nil {
		return err
	}
	dirs, err := filepath.Glob(filepath.Join(ws, "trial-*"))
	if err != nil {
		return err
	}
	targets := append(dirs,
		ledger.Dir(ws),
		filepath.Join(ws, report.FinalResultFile),
		filepath.Join(ws, report.ResultsFile),
	)
	for _, path := range targets {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("clean workspace: %w", err)
		}
	}
	logger.Info("workspace cleaned", "workspace", ws)
	return nil
}

func writeReports(ws string, specs []models.ParameterSpec, goal models.Goal, res *scheduler.Result, l *ledger.Ledger) error {
	summary := report.NewSummary(res.RunID, goal, res.Total, res.Issued, res.Cancelled, res.Duration, res.Counts, res.Best, specs)
	summary.Stats = res.Stats
	path, err := report.WriteFinalResult(ws, summary)
	if err != nil {
		return err
	}
	logger.Info("final result written", "path", path)

	path, err = report.WriteResults(ws, specs, l.Trials())
	if err != nil {
		return err
	}
	logger.Info("results written", "path", path)
	return nil
}

func sendCallback(ctx context.Context, n *notify.Notifier, url string, p notify.Payload) {
	if url == "" {
		return
	}
	if err := n.Send(ctx, url, p); err != nil {
		logger.Warn("completion callback failed", "error", err)
	}
}

// startServers starts the optional status APIs and returns a function that
// stops them.
func startServers(opts runOptions, sched *scheduler.Scheduler, l *ledger.Ledger) (func(), error) {
	var stops []func()
	shutdown := func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}

	if opts.grpcAddr != "" {
		lis, err := net.Listen("tcp", opts.grpcAddr)
		if err != nil {
			return nil, fmt.Errorf("listen for gRPC on %s: %w", opts.grpcAddr, err)
		}
		grpcServer := grpc.NewServer()
		server.RegisterTrialServiceServer(grpcServer, server.NewGRPCServer(sched, l))
		go func() {
			logger.Info("gRPC server listening", "addr", lis.Addr().String())
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server error", "error", err)
			}
		}()
		stops = append(stops, grpcServer.GracefulStop)
	}

	if opts.httpAddr != "" {
		lis, err := net.Listen("tcp", opts.httpAddr)
		if err != nil {
			shutdown()
			return nil, fmt.Errorf("listen for HTTP on %s: %w", opts.httpAddr, err)
		}
		httpSrv := &http.Server{
			Handler:           server.NewHTTPServer(sched, l).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
		}
		go func() {
			logger.Info("HTTP server listening", "addr", lis.Addr().String())
			if err := httpSrv.Serve(lis); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP server error", "error", err)
			}
		}()
		stops = append(stops, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(ctx); err != nil {
				logger.Error("HTTP shutdown error", "error", err)
			}
		})
	}
	return shutdown, nil
}

// status queries a running hpo process over gRPC.
func status(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("grpc-addr", "localhost:50051", "address of the run's gRPC API")
	trials := fs.String("trials", "", "list trials in this state instead of the summary (\"all\" for every trial)")
	watch := fs.Bool("watch", false, "stream summaries until the run ends")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitConfig
	}

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFatal
	}
	defer conn.Close()
	client := server.NewClient(conn)
	enc := json.NewEncoder(stdout)

	switch {
	case *watch:
		err = client.Watch(ctx, func(s *server.Summary) error { return enc.Encode(s) })
	case *trials != "":
		state := models.TrialState(*trials)
		if *trials == "all" {
			state = ""
		}
		var list []*models.Trial
		if list, err = client.Trials(ctx, state, 0); err == nil {
			enc.SetIndent("", "  ")
			err = enc.Encode(list)
		}
	default:
		var s *server.Summary
		if s, err = client.Summary(ctx); err == nil {
			enc.SetIndent("", "  ")
			err = enc.Encode(s)
		}
	}
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitFatal
	}
	return exitOK
}
