package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/app"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/chunkstore"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/config"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/database"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/logging"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/queue"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/registry"
	"github.com/mmdxiaoxin/agricultural-diagnostic-service-sub001/internal/sweeper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "agrodrop: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agrodrop",
		Short: "AgroDrop operations CLI",
		Long: `agrodrop inspects and retries failed deletion jobs, sweeps abandoned uploads,
applies database migrations, and launches the binaries directly for development.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newJobsCmd(),
		newSweepCmd(),
		newMigrateCmd(),
		newRunCmd(),
	)
	return cmd
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect deletion jobs that ran out of retries",
	}
	cmd.AddCommand(newJobsFailedCmd(), newJobsRetryCmd())
	return cmd
}

func newInspector() (*queue.Inspector, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return queue.NewInspector(app.RedisOpt(cfg.Redis)), nil
}

func newJobsFailedCmd() *cobra.Command {
	var limit int
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List archived deletion jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := newInspector()
			if err != nil {
				return err
			}
			defer in.Close()
			tasks, err := in.Failed(limit)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(tasks)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tHASH\tRETRIED\tFAILED AT\tERROR")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", t.ID, t.Job.Hash, t.Retried, t.LastFailedAt.Format(time.RFC3339), t.LastErr)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of jobs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newJobsRetryCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "retry [task-id]",
		Short: "Re-queue an archived deletion job",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := newInspector()
			if err != nil {
				return err
			}
			defer in.Close()
			if all {
				n, err := in.RetryAll()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "re-queued %d job(s)\n", n)
				return nil
			}
			if err := in.Retry(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "re-queued %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Re-queue every archived deletion job")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove chunks and staging files left by expired uploads",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			defer rdb.Close()
			chunks, err := chunkstore.New(cfg.Storage.ChunkDir)
			if err != nil {
				return err
			}
			s := sweeper.New(sweeper.Config{
				Chunks:     chunks,
				Registry:   registry.NewRedisRegistry(rdb, cfg.Redis.Prefix, cfg.Upload.TaskTTL),
				StagingDir: cfg.Storage.StagingDir,
				MaxAge:     cfg.Upload.TaskTTL,
				Logger:     logging.New(cfg.LogLevel, cfg.LogPretty),
			})
			res, err := s.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d task dir(s), %d staging file(s)\n", res.Tasks, res.Staging)
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			return database.Migrate(ctx, pool)
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run individual Go binaries directly",
	}
	cmd.AddCommand(
		newServiceRunner("api", "./cmd/server"),
		newServiceRunner("worker", "./cmd/worker"),
	)
	return cmd
}

func newServiceRunner(name, path string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("go run %s", path),
		RunE: func(cmd *cobra.Command, args []string) error {
			goArgs := append([]string{"run", path}, args...)
			return runCommand(cmd.Context(), "go", goArgs...)
		},
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr
	execCmd.Stdin = os.Stdin
	return execCmd.Run()
}
