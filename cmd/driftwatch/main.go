package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	internal "github.com/fleetops/driftwatch/dwatch"
	"github.com/fleetops/driftwatch/dwatch/config"
	"github.com/fleetops/driftwatch/dwatch/db"
	"github.com/fleetops/driftwatch/dwatch/eventlog"
	"github.com/fleetops/driftwatch/dwatch/record"
	"github.com/fleetops/driftwatch/dwatch/run"
	"github.com/fleetops/driftwatch/dwatch/snapshot"
	"github.com/fleetops/driftwatch/dwatch/source"
	"github.com/fleetops/driftwatch/dwatch/watcher"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "driftwatch",
		Short:         "Diff dataset refreshes against the last snapshot and log what changed",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(
		newRunCmd(&configPath),
		newResumeCmd(&configPath),
		newStatusCmd(&configPath),
		newKeysCmd(&configPath),
		newWatchCmd(&configPath),
	)
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Ingest the latest export, diff, log changes and replace the snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			ctx, stop := signalContext()
			defer stop()
			result, err := env.runner.RunOnce(ctx)
			if err != nil {
				return err
			}
			if result.Cursor != nil {
				env.log.Warn().
					Int64("rows_written", result.Cursor.RowsWritten).
					Int64("total", result.Cursor.TotalRows).
					Str("reason", result.Cursor.LastExitReason).
					Msg("snapshot apply did not finish; run `driftwatch resume`")
			}
			return nil
		},
	}
}

func newResumeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Continue an interrupted snapshot apply",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			ctx, stop := signalContext()
			defer stop()
			cur, err := env.runner.Resume(ctx)
			if err != nil {
				return err
			}
			if cur.State == snapshot.StateDone {
				env.log.Info().Int64("rows", cur.TotalRows).Msg("snapshot apply finished")
			} else {
				env.log.Warn().
					Int64("rows_written", cur.RowsWritten).
					Int64("total", cur.TotalRows).
					Str("reason", cur.LastExitReason).
					Msg("snapshot apply still pending")
			}
			return nil
		},
	}
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report the pending transfer cursor, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			cur, err := env.runner.Status()
			if err != nil {
				if errors.Is(err, snapshot.ErrNoCursor) {
					fmt.Println("no pending transfer")
					return nil
				}
				return err
			}
			fmt.Printf("destination: %s\nstate:       %s\nprogress:    %d/%d rows\nlast exit:   %s\n",
				cur.Destination, cur.State, cur.RowsWritten, cur.TotalRows, cur.LastExitReason)
			return nil
		},
	}
}

func newKeysCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "keys [identity values...]",
		Short: "List snapshot keys, narrowed to the given leading identity values",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			// Joining with the key separator makes each argument match a
			// whole identity field, so "10.0.0.1" does not pick up 10.0.0.11.
			var prefix string
			if len(args) > 0 {
				prefix = strings.Join(args, record.KeySep) + record.KeySep
			}

			ctx, stop := signalContext()
			defer stop()
			keys, err := env.runner.Keys(ctx, prefix)
			if err != nil {
				return err
			}
			for _, key := range keys {
				fmt.Println(strings.ReplaceAll(key, record.KeySep, "\t"))
			}
			return nil
		},
	}
}

func newWatchCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run whenever the export file changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer env.close()

			if env.cfg.Source.Format == "dir" {
				return fmt.Errorf("watch mode requires a single-file source, got format %q", env.cfg.Source.Format)
			}

			w := watcher.New(env.cfg.Source.Path, env.cfg.Apply.DebounceDelay, env.log)
			ctx, stop := signalContext()
			defer stop()
			return w.Watch(ctx, func(ctx context.Context) error {
				_, err := env.runner.RunOnce(ctx)
				return err
			})
		},
	}
}

// environment holds everything a command needs, built once per invocation.
type environment struct {
	cfg      *config.Config
	log      zerolog.Logger
	provider *db.Provider
	kv       snapshot.KVStore
	runner   *run.Runner
}

func setup(configPath string) (*environment, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	log := internal.GetLogger()
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		log = log.Level(level)
	}
	if cfg.Logging.Pretty {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	provider, err := db.Open(cfg.Store.DSN, log)
	if err != nil {
		return nil, err
	}

	var kv snapshot.KVStore
	switch cfg.Store.CursorStore {
	case "badger":
		kv, err = db.OpenBadgerKV(cfg.Store.BadgerDir, log)
		if err != nil {
			provider.Close()
			return nil, err
		}
	default:
		kv = provider.KV()
	}

	applier := snapshot.NewApplier(kv, log, cfg.Apply.RetryMaxTries, cfg.Apply.RetryInterval)
	store := snapshot.NewStore(provider, applier, log, cfg.Apply.ChunkSize)

	jsonlSink := eventlog.NewJSONLSink(cfg.Store.EventLogPath, cfg.Store.MaxCellChars)
	logger := eventlog.NewLogger(log,
		[]eventlog.EventSink{provider, jsonlSink},
		[]eventlog.StatsSink{provider, jsonlSink},
	)

	src, err := buildSource(cfg)
	if err != nil {
		provider.Close()
		kv.Close()
		return nil, err
	}

	runner, err := run.NewRunner(cfg, src, store, logger, log)
	if err != nil {
		provider.Close()
		kv.Close()
		return nil, err
	}

	return &environment{cfg: cfg, log: log, provider: provider, kv: kv, runner: runner}, nil
}

func buildSource(cfg *config.Config) (record.Source, error) {
	if cfg.Source.Path == "" {
		return nil, fmt.Errorf("source.path is required")
	}
	switch cfg.Source.Format {
	case "csv":
		return &source.CSVSource{Path: cfg.Source.Path}, nil
	case "json":
		return &source.JSONSource{Path: cfg.Source.Path}, nil
	case "dir":
		return &source.DirSource{
			Dir:        cfg.Source.Path,
			Pattern:    cfg.Source.Pattern,
			IgnoreFile: cfg.Source.IgnoreFile,
			Workers:    cfg.Source.Workers,
		}, nil
	}
	return nil, fmt.Errorf("unknown source format %q", cfg.Source.Format)
}

func (e *environment) close() {
	if e.kv != nil {
		e.kv.Close()
	}
	if e.provider != nil {
		e.provider.Close()
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
