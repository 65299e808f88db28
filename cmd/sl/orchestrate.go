package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"streamline/internal/config"
	"streamline/internal/db"
	"streamline/internal/domain"
	"streamline/internal/engine"
	"streamline/internal/gateway"
	"streamline/internal/migrate"
	"streamline/internal/repo"
	"streamline/internal/scheduler"
	"streamline/internal/server"
	"streamline/internal/supervisor"
	"streamline/internal/worktree"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the status API and websocket gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				gw := gateway.New(e.Bus, e.Config, log.New(os.Stderr, "gateway ", log.LstdFlags))
				handler, err := server.New(server.Config{
					Engine:   e,
					Gateway:  gw,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: e.Config.Server.JWTSecret},
				})
				if err != nil {
					return err
				}
				fmt.Printf("Serving Streamline API on http://%s%s (events at ws://%s/ws)\n", addr, basePath, addr)
				return runHTTP(ctx, addr, handler)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func orchestrateCmd() *cobra.Command {
	var initiativeID, addr string
	cmd := &cobra.Command{
		Use:   "orchestrate",
		Short: "Run the scheduler, worker supervisor, and status API",
		Long: `Derives the stream dependency graph, starts one worker per ready stream up
to the concurrency ceiling, supervises workers (liveness, stall, bounded
recovery), and serves the status API plus websocket event gateway while the
run is active. With worktrees enabled, completed isolated streams are merged
back into the base branch at the end of the run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)

			supOpts := supervisor.Options{
				Store:               e,
				Command:             cfg.Worker.Command,
				Args:                cfg.Worker.Args,
				PidDir:              db.PidDir(workspace),
				LogDir:              db.LogDir(workspace),
				StallTimeout:        cfg.Worker.StallTimeout,
				MaxRecoveryAttempts: cfg.Worker.MaxRecoveryAttempts,
			}
			if cfg.Worktree.Enabled {
				mgr, err := newWorktreeManager(cfg, workspace)
				if err != nil {
					return err
				}
				supOpts.WorkDir = streamWorkDir(e, mgr)
			}
			sup, err := supervisor.New(supOpts)
			if err != nil {
				return err
			}

			sched := scheduler.New(e, sup, initiativeID)
			sched.Interval = cfg.Scheduler.PollInterval
			sched.MaxConcurrent = cfg.Scheduler.MaxConcurrent
			if err := sched.WatchBus(ctx, e.Bus); err != nil {
				return err
			}

			gw := gateway.New(e.Bus, cfg, log.New(os.Stderr, "gateway ", log.LstdFlags))
			handler, err := server.New(server.Config{
				Engine:  e,
				Gateway: gw,
				Workers: sup,
				Auth:    server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
			})
			if err != nil {
				return err
			}

			if addr == "" {
				addr = cfg.Server.Addr
			}
			g, gctx := errgroup.WithContext(ctx)
			runCtx, finished := context.WithCancel(gctx)
			g.Go(func() error {
				defer finished()
				if err := sched.Run(gctx); err != nil {
					return err
				}
				if cfg.Worktree.Enabled {
					return mergeIsolatedWork(gctx, e, cfg, workspace)
				}
				return nil
			})
			g.Go(func() error {
				// The API lives only as long as the run.
				return runHTTP(runCtx, addr, handler)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&initiativeID, "initiative", "", "restrict scheduling to one initiative")
	cmd.Flags().StringVar(&addr, "addr", "", "status API listen address (default from config)")
	return cmd
}

func runHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newWorktreeManager(cfg *config.Config, workspace string) (*worktree.Manager, error) {
	if !cfg.Worktree.Enabled {
		return nil, fmt.Errorf("worktrees are not enabled in %s", config.Path(workspace))
	}
	return worktree.NewManager(cfg.Worktree.Repo, cfg.Worktree.BaseBranch, db.WorktreeDir(workspace)), nil
}

// streamWorkDir allocates the directory a stream's worker runs in: an
// isolated worktree when any task of the stream asks for one, the shared
// checkout otherwise. The worktree path is recorded on the isolated tasks so
// merge and resolve-conflicts can find it later.
func streamWorkDir(e engine.Engine, mgr *worktree.Manager) func(ctx context.Context, s domain.Stream) (string, error) {
	return func(ctx context.Context, s domain.Stream) (string, error) {
		tasks, err := e.ListTasks(ctx, repo.TaskFilters{StreamID: s.ID})
		if err != nil {
			return "", err
		}
		isolated := false
		for _, t := range tasks {
			if t.Metadata.IsolatedWorktree {
				isolated = true
				break
			}
		}
		if !isolated {
			return mgr.Repo, nil
		}
		path, err := mgr.Add(ctx, s.ID)
		if err != nil {
			return "", err
		}
		for _, t := range tasks {
			if !t.Metadata.IsolatedWorktree || t.Metadata.WorktreePath == path {
				continue
			}
			meta := t.Metadata
			meta.WorktreePath = path
			if _, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{ID: t.ID, Meta: &meta}); err != nil {
				return "", err
			}
		}
		return path, nil
	}
}

// mergeIsolatedWork merges every isolated stream branch back into the base
// branch. Conflicted merges block their tasks and are left for
// resolve-conflicts; the run keeps going past them.
func mergeIsolatedWork(ctx context.Context, e engine.Engine, cfg *config.Config, workspace string) error {
	mgr, err := newWorktreeManager(cfg, workspace)
	if err != nil {
		return err
	}
	r := worktree.Resolver{Engine: e, Manager: mgr}
	tasks, err := e.ListTasks(ctx, repo.TaskFilters{})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if !t.Metadata.IsolatedWorktree || t.Metadata.StreamID == "" {
			continue
		}
		if _, err := r.Merge(ctx, t.ID); err != nil {
			var mce *worktree.MergeConflictError
			if errors.As(err, &mce) {
				mgr.Logger.Printf("stream %s blocked on %d conflict(s); run: sl resolve-conflicts %s", mce.StreamID, len(mce.Conflicts), t.ID)
				continue
			}
			return err
		}
	}
	return nil
}

func mergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <task-id>",
		Short: "Merge a task's isolated worktree into the base branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				mgr, err := newWorktreeManager(e.Config, viper.GetString("workspace"))
				if err != nil {
					return err
				}
				r := worktree.Resolver{Engine: e, Manager: mgr}
				t, err := r.Merge(ctx, args[0])
				if err != nil {
					var mce *worktree.MergeConflictError
					if errors.As(err, &mce) {
						_ = printJSONOrTable(t)
					}
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func resolveConflictsCmd() *cobra.Command {
	var strategyFlag string
	cmd := &cobra.Command{
		Use:   "resolve-conflicts <task-id>",
		Short: "Resolve a blocked task's merge conflicts",
		Long: `Applies a resolution strategy to the conflicts recorded on a blocked task:
ours/theirs check out the chosen side per file, manual verifies the files
were hand-edited (no conflict markers left) and stages them. Success
concludes the merge and completes the task.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, err := worktree.ParseStrategy(strategyFlag)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				mgr, err := newWorktreeManager(e.Config, viper.GetString("workspace"))
				if err != nil {
					return err
				}
				r := worktree.Resolver{Engine: e, Manager: mgr}
				t, err := r.Resolve(ctx, args[0], strategy)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&strategyFlag, "strategy", "manual", "resolution strategy (ours, theirs, manual)")
	return cmd
}
