package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"streamline/internal/config"
	"streamline/internal/db"
	"streamline/internal/domain"
	"streamline/internal/engine"
	"streamline/internal/migrate"
	"streamline/internal/repo"
)

var rootCmd = &cobra.Command{
	Use:   "sl",
	Short: "Streamline CLI",
	Long: `Streamline orchestrates parallel work streams of tasks with dependencies.
Tasks belong to PRDs, PRDs to initiatives. Tasks carry a metadata bag whose
streamId groups them into streams; streams declare dependencies on other
streams and the scheduler starts a worker per stream as soon as its
dependencies complete. Task statuses go pending -> in_progress ->
completed/blocked; blocked returns to pending once unblocked.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STREAMLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("force", false, "force operation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(initiativeCmd())
	rootCmd.AddCommand(prdCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(streamCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(orchestrateCmd())
	rootCmd.AddCommand(mergeCmd())
	rootCmd.AddCommand(resolveConflictsCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			root, err := db.EnsureWorkspace(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote default config to %s\n", cfgPath)
			}
			fmt.Printf("Workspace ready at %s\n", root)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var initiativeID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Per-stream progress dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				streams, err := e.ListStreams(ctx, initiativeID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(streams)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Stream", "Phase", "Done", "In Progress", "Blocked", "Progress", "Depends On", "State"})
				for _, s := range streams {
					state := "waiting"
					switch {
					case s.Complete():
						state = "complete"
					case s.InProgressTasks > 0:
						state = "active"
					case s.BlockedTasks > 0:
						state = "blocked"
					}
					tw.AppendRow(table.Row{
						s.ID, s.Phase,
						fmt.Sprintf("%d/%d", s.CompletedTasks, s.TotalTasks),
						s.InProgressTasks, s.BlockedTasks,
						fmt.Sprintf("%d%%", s.ProgressPercentage),
						strings.Join(s.Dependencies, ", "),
						state,
					})
				}
				tw.Render()
				printBlockedReport(streams)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&initiativeID, "initiative", "", "initiative id filter")
	return cmd
}

// printBlockedReport lists, for each waiting stream, the incomplete
// dependencies holding it back.
func printBlockedReport(streams []domain.Stream) {
	complete := map[string]bool{}
	for _, s := range streams {
		complete[s.ID] = s.Complete()
	}
	var lines []string
	for _, s := range streams {
		if s.Complete() {
			continue
		}
		var waitingOn []string
		for _, dep := range s.Dependencies {
			if !complete[dep] {
				waitingOn = append(waitingOn, dep)
			}
		}
		if len(waitingOn) > 0 {
			sort.Strings(waitingOn)
			lines = append(lines, fmt.Sprintf("  %s waits on %s", s.ID, strings.Join(waitingOn, ", ")))
		}
	}
	if len(lines) > 0 {
		fmt.Println("Blocked streams:")
		for _, l := range lines {
			fmt.Println(l)
		}
	}
}

func initiativeCmd() *cobra.Command {
	in := &cobra.Command{Use: "initiative", Short: "Manage initiatives"}
	in.AddCommand(initiativeCreateCmd())
	in.AddCommand(initiativeListCmd())
	in.AddCommand(initiativeUpdateCmd())
	return in
}

func initiativeCreateCmd() *cobra.Command {
	var opts engine.InitiativeCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create initiative",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.CreateInitiative(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "initiative id (deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func initiativeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List initiatives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListInitiatives(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func initiativeUpdateCmd() *cobra.Command {
	var title, status string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update initiative",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in, err := e.UpdateInitiative(ctx, args[0], title, status)
				if err != nil {
					return err
				}
				return printJSONOrTable(in)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&status, "status", "", "status (active, complete)")
	return cmd
}

func prdCmd() *cobra.Command {
	prd := &cobra.Command{Use: "prd", Short: "Manage PRDs"}
	prd.AddCommand(prdCreateCmd())
	prd.AddCommand(prdListCmd())
	prd.AddCommand(prdUpdateCmd())
	return prd
}

func prdCreateCmd() *cobra.Command {
	var opts engine.PRDCreateOptions
	var contentFile string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create PRD",
		RunE: func(cmd *cobra.Command, args []string) error {
			if contentFile != "" {
				data, err := os.ReadFile(contentFile)
				if err != nil {
					return err
				}
				opts.Content = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePRD(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "prd id (deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.InitiativeID, "initiative", "", "initiative id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&contentFile, "content-file", "", "markdown file with PRD content")
	_ = cmd.MarkFlagRequired("initiative")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func prdListCmd() *cobra.Command {
	var initiativeID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List PRDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPRDs(ctx, initiativeID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&initiativeID, "initiative", "", "initiative id filter")
	return cmd
}

func prdUpdateCmd() *cobra.Command {
	var title, content, status string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update PRD",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.PRDUpdateOptions{ID: args[0], Status: status}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("content") {
				opts.Content = &content
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdatePRD(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&content, "content", "", "new content")
	cmd.Flags().StringVar(&status, "status", "", "status (draft, active, complete)")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long: `Tasks flow pending -> in_progress -> completed/blocked. The metadata bag
(streamId, dependencies, files, isolatedWorktree) is what the scheduler and
worktree resolver read.`,
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskArchiveCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var deps, files []string
	var isolated bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Meta.Dependencies = deps
			opts.Meta.Files = files
			opts.Meta.IsolatedWorktree = isolated
			if opts.Meta.StreamID != "" && opts.Meta.Dependencies == nil {
				opts.Meta.Dependencies = []string{}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (deterministic UUID if omitted)")
	cmd.Flags().StringVar(&opts.PRDID, "prd", "", "prd id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.AssignedAgent, "agent", "", "assigned agent")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "notes")
	cmd.Flags().StringVar(&opts.Meta.StreamID, "stream", "", "stream id")
	cmd.Flags().StringVar(&opts.Meta.StreamName, "stream-name", "", "stream display name")
	cmd.Flags().StringVar(&opts.Meta.StreamPhase, "phase", "", "stream phase")
	cmd.Flags().StringArrayVar(&deps, "depends-on", nil, "stream dependency (repeatable)")
	cmd.Flags().StringArrayVar(&files, "file", nil, "file owned by this task (repeatable)")
	cmd.Flags().BoolVar(&isolated, "isolated-worktree", false, "work in an isolated git worktree")
	_ = cmd.MarkFlagRequired("prd")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Stream", "Agent"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Metadata.StreamID, t.AssignedAgent})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.PRDID, "prd", "", "prd id filter")
	cmd.Flags().StringVar(&f.InitiativeID, "initiative", "", "initiative id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.StreamID, "stream", "", "stream id filter")
	cmd.Flags().StringVar(&f.AssignedAgent, "agent", "", "assigned agent filter")
	cmd.Flags().BoolVar(&f.IncludeArchived, "archived", false, "include archived tasks")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var title, description, agent, notes string
	var opts engine.TaskUpdateOptions
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.Force = viper.GetBool("force")
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("agent") {
				opts.AssignedAgent = &agent
			}
			if cmd.Flags().Changed("notes") {
				opts.Notes = &notes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "new status (pending, in_progress, completed, blocked)")
	cmd.Flags().StringVar(&opts.BlockedReason, "blocked-reason", "", "reason when blocking")
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&agent, "agent", "", "assigned agent (empty clears)")
	cmd.Flags().StringVar(&notes, "notes", "", "notes")
	return cmd
}

func taskArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive task (excluded from stream aggregation)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ArchiveTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func streamCmd() *cobra.Command {
	stream := &cobra.Command{Use: "stream", Short: "Inspect streams"}
	stream.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "Get one stream's aggregation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetStream(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	})
	return stream
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var (
					events []domain.Event
					err    error
				)
				if after > 0 {
					events, err = r.EventsAfter(ctx, after, n)
				} else {
					events, err = r.LatestEvents(ctx, n)
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
