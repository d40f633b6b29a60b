package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	apiPkg "github.com/dalejefferson/CodingIDE-sub002/internal/api"
	"github.com/dalejefferson/CodingIDE-sub002/internal/board"
	"github.com/dalejefferson/CodingIDE-sub002/internal/broadcast"
	"github.com/dalejefferson/CodingIDE-sub002/internal/config"
	"github.com/dalejefferson/CodingIDE-sub002/internal/fsutil"
	"github.com/dalejefferson/CodingIDE-sub002/internal/logbuf"
	"github.com/dalejefferson/CodingIDE-sub002/internal/notify"
	"github.com/dalejefferson/CodingIDE-sub002/internal/ports"
	"github.com/dalejefferson/CodingIDE-sub002/internal/prd"
	"github.com/dalejefferson/CodingIDE-sub002/internal/probe"
	"github.com/dalejefferson/CodingIDE-sub002/internal/runlog"
	"github.com/dalejefferson/CodingIDE-sub002/internal/scheduler"
	"github.com/dalejefferson/CodingIDE-sub002/internal/supervisor"
	"github.com/dalejefferson/CodingIDE-sub002/internal/ticket"
	"github.com/dalejefferson/CodingIDE-sub002/internal/worktree"
)

type options struct {
	configPath  string
	configURL   string
	configToken string
	verbose     bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "codingd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "codingd",
		Short:         "Kanban board daemon that runs a coding agent per ticket",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "config file (.json, .toml, .yaml)")
	f.StringVar(&opts.configURL, "config-url", os.Getenv("CODING_CONFIG_URL"), "fetch config from this URL instead of a file")
	f.StringVar(&opts.configToken, "config-token", os.Getenv("CODING_CONFIG_TOKEN"), "bearer token for --config-url")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func loadConfig(ctx context.Context, opts options) (*config.Config, error) {
	switch {
	case opts.configPath != "":
		return config.Load(opts.configPath)
	case opts.configURL != "":
		return config.LoadRemote(ctx, config.RemoteOptions{URL: opts.configURL, Token: opts.configToken})
	default:
		return config.LoadFromEnv()
	}
}

func newLogger(cfg config.LogConfig, verbose bool) (*slog.Logger, *logbuf.Buffer) {
	level := logbuf.ParseLevel(cfg.Level)
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	if cfg.Format == "text" {
		inner = slog.NewTextHandler(os.Stdout, handlerOpts)
	}
	buf := logbuf.New(cfg.BufferSize)
	return slog.New(logbuf.NewHandler(inner, buf)), buf
}

func run(parent context.Context, opts options) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig(parent, opts)
	if err != nil {
		return err
	}

	logger, logBuf := newLogger(cfg.Log, opts.verbose)
	slog.SetDefault(logger)
	logger.Info("codingd starting", "data_dir", cfg.DataDir, "agent", cfg.Agent.Command)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 1. Ticket repository, publishing changes to the hub.
	locks := fsutil.NewLocks()
	hub := broadcast.NewHub(logger)
	repo := ticket.New(cfg.TicketsPath(),
		ticket.WithLogger(logger),
		ticket.WithQuietPeriod(cfg.Board.QuietPeriod.D()),
		ticket.WithLocks(locks),
		ticket.WithListener(hub.Publish),
		ticket.WithApprovedPRDGate(cfg.Board.RequireApprovedPRD),
	)
	if cfg.Board.Watch {
		go safeGo(logger, "ticket-watch", func() {
			if err := repo.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("ticket watch stopped", "error", err)
			}
		})
	}

	// 2. Ports, run journal, supervisor.
	portReg := ports.New(ports.ListenProbe, logger)
	journal, err := runlog.NewSQLiteStore(cfg.RunLogPath())
	if err != nil {
		return err
	}
	defer journal.Close()

	sup, err := supervisor.New(supervisor.Config{
		Command:          cfg.Agent.Command,
		Args:             cfg.Agent.Args,
		Env:              envList(cfg.Agent.Env),
		Sentinel:         cfg.Agent.Sentinel,
		IterationPattern: cfg.Agent.IterationPattern,
		ReadyPattern:     cfg.Agent.ReadyPattern,
		AwaitReadiness:   cfg.Agent.AwaitReadiness,
		GracePeriod:      cfg.Agent.GracePeriod.D(),
		BufferSize:       cfg.Agent.BufferBytes,
		PortBase:         cfg.Ports.Base,
		PortAttempts:     cfg.Ports.Attempts,
	},
		supervisor.WithLogger(logger),
		supervisor.WithPorts(portReg),
		supervisor.WithRecorder(journal),
	)
	if err != nil {
		return err
	}

	// 3. Probe and status broadcaster on the scheduler.
	prober := probe.New(probe.PSTable{}, cfg.Agent.ProcessName, logger)
	caster := broadcast.New(sup, prober, repo, hub, broadcast.Config{
		Interval:      cfg.Broadcast.Interval.D(),
		IdleThreshold: cfg.Broadcast.IdleThreshold.D(),
	}, logger)
	sched := scheduler.New(logger)
	if err := caster.Register(sched); err != nil {
		return err
	}
	if retention := cfg.RunLog.Retention.D(); retention > 0 {
		err := sched.AddJob("runlog-prune", cfg.RunLog.PruneSchedule, func(ctx context.Context) {
			n, err := journal.Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("run journal prune failed", "error", err)
				return
			}
			logger.Info("run journal pruned", "deleted", n, "retention", retention)
		})
		if err != nil {
			return err
		}
	}
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		safeGo(logger, "scheduler", func() { sched.Start(ctx) })
	}()

	// 4. Board service and API.
	var gen prd.Generator
	if cfg.PRD.APIKey != "" {
		gen, err = prd.New(prd.Config{
			Provider:        cfg.PRD.Provider,
			APIKey:          cfg.PRD.APIKey,
			BaseURL:         cfg.PRD.BaseURL,
			Model:           cfg.PRD.Model,
			MaxTokens:       cfg.PRD.MaxTokens,
			FetchReferences: cfg.PRD.FetchReferences,
		})
		if err != nil {
			return err
		}
		logger.Info("prd generation enabled", "provider", gen.Name())
	}
	svc := board.New(repo, worktree.New(locks, nil, logger), sup,
		board.WithLogger(logger),
		board.WithJournal(journal),
		board.WithGenerator(gen),
	)

	if cfg.Notify.Enabled() {
		notifier := notify.New(notifySinks(cfg.Notify, logger), repo, logger)
		events, unsubscribe := hub.Subscribe(256)
		defer unsubscribe()
		go safeGo(logger, "notifier", func() { notifier.Run(ctx, events) })
	}

	apiSrv := apiPkg.NewServer(svc, hub, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger, logBuf)
	apiErr := make(chan error, 1)
	go func() { apiErr <- apiSrv.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err = <-apiErr:
		if err != nil {
			logger.Error("api server failed", "error", err)
		}
		cancel()
	}

	shutdown(logger, sup, repo, sched, schedDone)
	logger.Info("codingd stopped")
	return err
}

// shutdown stops every agent, then persists the board. Each step runs even
// if an earlier one failed.
func shutdown(logger *slog.Logger, sup *supervisor.Supervisor, repo *ticket.Repository, sched *scheduler.Scheduler, schedDone <-chan struct{}) {
	<-schedDone

	ctx, cancel := context.WithTimeout(context.Background(), sup.GracePeriod()+5*time.Second)
	defer cancel()
	if err := sup.StopAll(ctx); err != nil {
		logger.Error("stopping agents", "error", err)
	}
	if err := repo.Close(); err != nil {
		logger.Error("final ticket flush failed", "error", err)
	}
	logger.Debug("scheduler jobs at exit", "count", sched.JobCount())
}

// notifySinks builds every configured sink. A sink that fails to
// initialise is logged and skipped.
func notifySinks(cfg config.NotifyConfig, logger *slog.Logger) []notify.Sink {
	var sinks []notify.Sink
	if cfg.SlackToken != "" {
		s, err := notify.NewSlack(cfg.SlackToken, cfg.SlackChannel)
		if err != nil {
			logger.Warn("slack notifications disabled", "error", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	if cfg.TelegramToken != "" {
		s, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, "", logger)
		if err != nil {
			logger.Warn("telegram notifications disabled", "error", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(cfg.WebhookURL, cfg.WebhookSecret))
	}
	for _, s := range sinks {
		logger.Info("notifications enabled", "sink", s.Name())
	}
	return sinks
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", r)
		}
	}()
	fn()
}
