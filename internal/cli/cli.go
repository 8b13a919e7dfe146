package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/DockeryAI/BuildRunner3-sub001/internal/http"
	"github.com/DockeryAI/BuildRunner3-sub001/internal/log"
	internal_storage "github.com/DockeryAI/BuildRunner3-sub001/internal/storage"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/graph"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/models"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/scheduler"
	"github.com/DockeryAI/BuildRunner3-sub001/pkg/service"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Exit codes surfaced to operators and scripts.
const (
	exitOK                = 0
	exitInvalidTransition = 1
	exitGraphError        = 2
	exitCheckpointMissing = 3
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.AddCommand(
		sessionCmd(),
		ingestCmd(),
		batchCmd(),
		taskCmd(),
		workerCmd(),
		checkpointCmd(),
		serveCmd(),
	)
}

// fail prints the error and exits with the code its type maps to.
func fail(err error) {
	log.GetLogger().Errorf("%v", err)
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(codeFor(err))
}

func codeFor(err error) int {
	var (
		trErr       *service.TransitionError
		cycErr      *graph.CyclicDependencyError
		valErr      *graph.ValidationError
		unreachable *scheduler.UnreachableTasksError
	)
	switch {
	case errors.As(err, &cycErr), errors.As(err, &valErr), errors.As(err, &unreachable):
		return exitGraphError
	case errors.Is(err, service.ErrCheckpointNotFound):
		return exitCheckpointMissing
	case errors.As(err, &trErr):
		return exitInvalidTransition
	default:
		return exitInvalidTransition
	}
}

func initStore(cmd *cobra.Command) *internal_storage.SQLiteStore {
	dbPath, err := cmd.Flags().GetString("db")
	if err != nil || dbPath == "" {
		dbPath = os.Getenv("DB_PATH")
	}
	if dbPath == "" {
		dbPath = "buildrunner.db"
	}
	store, err := internal_storage.InitStore(dbPath)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		fmt.Fprintf(os.Stderr, "Error: failed to initialize store: %v\n", err)
		os.Exit(exitInvalidTransition)
	}
	return store
}

// loadedService opens the store and rehydrates the named session. One
// sweep runs up front so stale workers from a crashed invocation are
// reclaimed before any assignment happens.
func loadedService(cmd *cobra.Command, sessionID string) (*service.SessionService, *internal_storage.SQLiteStore) {
	store := initStore(cmd)
	svc := service.NewSessionService(store, log.GetLogger())
	if err := svc.LoadSession(sessionID); err != nil {
		store.Close()
		fail(err)
	}
	svc.SweepOnce()
	return svc, store
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Manage build sessions"}

	createCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a new build session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			svc := service.NewSessionService(store, log.GetLogger())
			sess, err := svc.CreateSession(args[0])
			if err != nil {
				fail(err)
			}
			fmt.Fprintf(os.Stdout, "Created session '%s' with ID %s\n", sess.Name, sess.ID)
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all sessions",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			svc := service.NewSessionService(store, log.GetLogger())
			sessions, err := svc.ListSessions()
			if err != nil {
				fail(err)
			}
			if len(sessions) == 0 {
				fmt.Fprintf(os.Stdout, "No sessions found.\n")
				return
			}
			fmt.Fprintf(os.Stdout, "Sessions:\n")
			for _, sess := range sessions {
				fmt.Fprintf(os.Stdout, "- ID: %s, Name: %s, Status: %s, Created: %s\n",
					sess.ID, sess.Name, sess.Status, sess.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status [session-id]",
		Short: "Show session, task and worker status",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := loadedService(cmd, args[0])
			defer store.Close()
			sess, err := svc.GetSession(args[0])
			if err != nil {
				fail(err)
			}
			counts, err := svc.TaskCounts(args[0])
			if err != nil {
				fail(err)
			}
			fmt.Fprintf(os.Stdout, "Session %s ('%s') is %s\n", sess.ID, sess.Name, sess.Status)
			fmt.Fprintf(os.Stdout, "Tasks: %d total", len(sess.Tasks))
			for _, status := range []models.TaskStatus{
				models.PendingTaskStatus, models.ReadyTaskStatus, models.InProgressTaskStatus,
				models.CompletedTaskStatus, models.FailedTaskStatus, models.BlockedTaskStatus,
			} {
				if n := counts[status]; n > 0 {
					fmt.Fprintf(os.Stdout, ", %d %s", n, status)
				}
			}
			fmt.Fprintln(os.Stdout)
			for _, w := range sess.Workers {
				fmt.Fprintf(os.Stdout, "Worker %s: %s (last heartbeat %s, %d task(s) in flight)\n",
					w.ID, w.Status, w.LastHeartbeat.Format(time.RFC3339), len(w.CurrentBatch))
			}
			if err := svc.CheckUnreachable(args[0]); err != nil {
				fail(err)
			}
		},
	}

	pauseCmd := lifecycleCmd("pause", "Pause a session (in-flight batches finish)",
		func(svc *service.SessionService, id string) error { return svc.PauseSession(id) })
	resumeCmd := lifecycleCmd("resume", "Resume a paused session",
		func(svc *service.SessionService, id string) error { return svc.ResumeSession(id) })
	abortCmd := lifecycleCmd("abort", "Abort a session",
		func(svc *service.SessionService, id string) error { return svc.AbortSession(id) })
	completeCmd := lifecycleCmd("complete", "Mark a session completed",
		func(svc *service.SessionService, id string) error { return svc.CompleteSession(id) })

	cmd.AddCommand(createCmd, listCmd, statusCmd, pauseCmd, resumeCmd, abortCmd, completeCmd)
	return cmd
}

func lifecycleCmd(name, short string, fn func(*service.SessionService, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [session-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := loadedService(cmd, args[0])
			defer store.Close()
			if err := fn(svc, args[0]); err != nil {
				fail(err)
			}
			fmt.Fprintf(os.Stdout, "Session %s: %s done\n", args[0], name)
		},
	}
}

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest [session-id] [tasks.json]",
		Short: "Ingest a task list produced by the spec parser",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			data, err := os.ReadFile(args[1])
			if err != nil {
				fail(errors.Wrap(err, "failed to read task file"))
			}
			var specs []models.TaskSpec
			if err := json.Unmarshal(data, &specs); err != nil {
				fail(errors.Wrap(err, "failed to parse task file"))
			}
			svc, store := loadedService(cmd, args[0])
			defer store.Close()
			g, err := svc.IngestTasks(args[0], specs)
			if err != nil {
				fail(err)
			}
			fmt.Fprintf(os.Stdout, "Ingested %d tasks into session %s\n", len(g.TaskIDs()), args[0])
		},
	}
	return cmd
}

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "batch", Short: "Request work batches"}

	nextCmd := &cobra.Command{
		Use:   "next [session-id]",
		Short: "Assign the next executable batch to a worker",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			workerID, _ := cmd.Flags().GetString("worker")
			size, _ := cmd.Flags().GetInt("size")
			svc, store := loadedService(cmd, args[0])
			defer store.Close()

			if _, err := svc.RegisterWorker(args[0], workerID); err != nil &&
				!errors.Is(err, service.ErrWorkerBusy) {
				fail(err)
			}
			batch, err := svc.AssignBatch(args[0], workerID, size)
			if err != nil {
				fail(err)
			}
			if batch.Empty() {
				if err := svc.CheckUnreachable(args[0]); err != nil {
					fail(err)
				}
				fmt.Fprintf(os.Stdout, "No tasks ready; waiting on in-flight work.\n")
				return
			}
			out, err := json.MarshalIndent(batch, "", "  ")
			if err != nil {
				fail(err)
			}
			fmt.Fprintln(os.Stdout, string(out))
		},
	}
	nextCmd.Flags().String("worker", "local", "Worker ID requesting the batch")
	nextCmd.Flags().Int("size", 5, "Maximum batch size")

	cmd.AddCommand(nextCmd)
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Report task outcomes"}

	reportCmd := &cobra.Command{
		Use:   "report [session-id] [task-id] [COMPLETED|FAILED]",
		Short: "Report a task result for a worker",
		Args:  cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			workerID, _ := cmd.Flags().GetString("worker")
			svc, store := loadedService(cmd, args[0])
			defer store.Close()
			if err := svc.ReportResult(args[0], workerID, args[1], models.TaskStatus(args[2])); err != nil {
				fail(err)
			}
			fmt.Fprintf(os.Stdout, "Recorded task %s as %s\n", args[1], args[2])
		},
	}
	reportCmd.Flags().String("worker", "local", "Worker ID reporting the result")

	retryCmd := &cobra.Command{
		Use:   "retry [session-id] [task-id]",
		Short: "Return a failed task to READY",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := loadedService(cmd, args[0])
			defer store.Close()
			if err := svc.UpdateTaskStatus(args[0], args[1], models.ReadyTaskStatus); err != nil {
				fail(err)
			}
			fmt.Fprintf(os.Stdout, "Task %s requeued for retry\n", args[1])
		},
	}

	cmd.AddCommand(reportCmd, retryCmd)
	return cmd
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "worker", Short: "Manage session workers"}

	registerCmd := &cobra.Command{
		Use:   "register [session-id]",
		Short: "Register a worker with a session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			workerID, _ := cmd.Flags().GetString("id")
			svc, store := loadedService(cmd, args[0])
			defer store.Close()
			w, err := svc.RegisterWorker(args[0], workerID)
			if err != nil {
				fail(err)
			}
			fmt.Fprintf(os.Stdout, "Registered worker %s with session %s\n", w.ID, args[0])
		},
	}
	registerCmd.Flags().String("id", "", "Worker ID (generated when empty)")

	heartbeatCmd := &cobra.Command{
		Use:   "heartbeat [session-id] [worker-id]",
		Short: "Record a worker heartbeat",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := loadedService(cmd, args[0])
			defer store.Close()
			if err := svc.Heartbeat(args[0], args[1]); err != nil {
				fail(err)
			}
			fmt.Fprintf(os.Stdout, "Heartbeat recorded for worker %s\n", args[1])
		},
	}

	cmd.AddCommand(registerCmd, heartbeatCmd)
	return cmd
}

func checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "checkpoint", Short: "Snapshot and restore session state"}

	createCmd := &cobra.Command{
		Use:   "create [session-id] [name]",
		Short: "Create a named checkpoint of the live state",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			metadata, _ := cmd.Flags().GetString("metadata")
			svc, store := loadedService(cmd, args[0])
			defer store.Close()
			ckpt, err := svc.CreateCheckpoint(args[0], args[1], metadata)
			if err != nil {
				fail(err)
			}
			fmt.Fprintf(os.Stdout, "Created checkpoint '%s' (%d tasks)\n", ckpt.Name, ckpt.TaskCount)
		},
	}
	createCmd.Flags().String("metadata", "", "Free-form metadata stored with the checkpoint")

	listCmd := &cobra.Command{
		Use:   "list [session-id]",
		Short: "List checkpoints, newest first",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := loadedService(cmd, args[0])
			defer store.Close()
			ckpts, err := svc.ListCheckpoints(args[0])
			if err != nil {
				fail(err)
			}
			if len(ckpts) == 0 {
				fmt.Fprintf(os.Stdout, "No checkpoints found.\n")
				return
			}
			for _, c := range ckpts {
				fmt.Fprintf(os.Stdout, "- %s (%d tasks, created %s)\n",
					c.Name, c.TaskCount, c.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	rollbackCmd := &cobra.Command{
		Use:   "rollback [session-id] [name]",
		Short: "Replace live state with a checkpoint's contents",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := loadedService(cmd, args[0])
			defer store.Close()
			event, err := svc.RollbackCheckpoint(args[0], args[1])
			if err != nil {
				fail(err)
			}
			fmt.Fprintf(os.Stdout, "Rolled back to '%s' (tasks %d -> %d, prior state saved as '%s')\n",
				event.CheckpointName, event.OldTaskCount, event.NewTaskCount, event.AutoCheckpoint)
		},
	}

	diffCmd := &cobra.Command{
		Use:   "diff [session-id] [name-a] [name-b]",
		Short: "Show task differences between two checkpoints",
		Args:  cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := loadedService(cmd, args[0])
			defer store.Close()
			diff, err := svc.DiffCheckpoints(args[0], args[1], args[2])
			if err != nil {
				fail(err)
			}
			out, err := json.MarshalIndent(diff, "", "  ")
			if err != nil {
				fail(err)
			}
			fmt.Fprintln(os.Stdout, string(out))
		},
	}

	pruneCmd := &cobra.Command{
		Use:   "prune [session-id] [name]",
		Short: "Delete a checkpoint",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			svc, store := loadedService(cmd, args[0])
			defer store.Close()
			if err := svc.PruneCheckpoint(args[0], args[1]); err != nil {
				fail(err)
			}
			fmt.Fprintf(os.Stdout, "Pruned checkpoint '%s'\n", args[1])
		},
	}

	cmd.AddCommand(createCmd, listCmd, rollbackCmd, diffCmd, pruneCmd)
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP status server",
		Run: func(cmd *cobra.Command, args []string) {
			port, _ := cmd.Flags().GetString("port")
			store := initStore(cmd)
			defer store.Close()

			// The server process owns the liveness sweep: load every
			// session and reclaim dead workers on a fixed interval.
			svc := service.NewSessionService(store, log.GetLogger())
			sessions, err := svc.ListSessions()
			if err != nil {
				fail(err)
			}
			for _, sess := range sessions {
				if err := svc.LoadSession(sess.ID); err != nil {
					fail(err)
				}
			}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			svc.StartSweeper(ctx, service.DefaultSweepInterval)

			if err := http.StartServer(port, store); err != nil {
				fail(err)
			}
		},
	}
	cmd.Flags().String("port", "8080", "Port to listen on")
	return cmd
}
