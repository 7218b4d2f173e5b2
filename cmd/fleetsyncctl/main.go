// fleetsyncctl inspects and drives a fleetsync local store: sync status,
// the pending mutation queue, conflict listing and resolution, and
// one-shot or daemon sync runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/veldra/fleetsync"
	"github.com/veldra/fleetsync/connectivity"
	"github.com/veldra/fleetsync/logging"
	"github.com/veldra/fleetsync/push"
	"github.com/veldra/fleetsync/storage/sqlite"
	"github.com/veldra/fleetsync/transport/httptransport"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "fleetsyncctl",
		Short:         "Inspect and drive the fleetsync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "fleetsync.yaml", "path to the config file")

	rootCmd.AddCommand(
		statusCmd(),
		queueCmd(),
		conflictsCmd(),
		syncCmd(),
		runCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// stack bundles the wired engine with everything it needs closed.
type stack struct {
	config   *fleetsync.Config
	engine   *fleetsync.Engine
	monitor  *connectivity.Monitor
	listener *push.Listener
}

func buildStack(ctx context.Context) (*stack, error) {
	config, err := fleetsync.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logging.Init(config.Logging)

	store, err := sqlite.NewWithDataSource(config.Database.Path)
	if err != nil {
		return nil, err
	}

	transport, err := httptransport.NewClient(httptransport.Config{
		BaseURL:   config.Remote.BaseURL,
		AuthToken: config.Remote.AuthToken,
		Timeout:   config.Sync.RequestTimeout,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	var listener *push.Listener
	var resetChannels func()
	if config.Remote.PushURL != "" {
		listener = push.NewListener(push.Config{
			URL:       config.Remote.PushURL,
			AuthToken: config.Remote.AuthToken,
		})
		resetChannels = listener.Reset
	}

	monitor := connectivity.NewMonitor(connectivity.Config{
		Probe:         transport.Ping,
		ProbeInterval: config.Connectivity.ProbeInterval,
		ProbeTimeout:  config.Connectivity.ProbeTimeout,
		FailureLimit:  config.Connectivity.FailureLimit,
		ResetChannels: resetChannels,
		AssumeOnline:  true,
	})

	engine, err := fleetsync.NewEngine(store, transport, monitor, config.EngineOptions())
	if err != nil {
		store.Close()
		transport.Close()
		return nil, err
	}
	if err := engine.Start(ctx); err != nil {
		engine.Close()
		return nil, err
	}

	return &stack{config: config, engine: engine, monitor: monitor, listener: listener}, nil
}

func (s *stack) close() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.monitor.Close()
	s.engine.Close()
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current sync status",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			status := s.engine.Status()
			fmt.Printf("online:   %v\n", status.Online)
			fmt.Printf("syncing:  %v\n", status.Syncing)
			fmt.Printf("pending:  %d\n", status.PendingCount)
			if !status.LastSync.IsZero() {
				fmt.Printf("last sync: %s\n", status.LastSync.Format(time.RFC3339))
			}
			if status.LastError != "" {
				fmt.Printf("last error: %s\n", status.LastError)
			}
			return nil
		},
	}
}

func queueCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List pending mutations in push order",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := fleetsync.LoadConfig(configPath)
			if err != nil {
				return err
			}
			store, err := sqlite.NewWithDataSource(config.Database.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			mutations, err := store.NextPendingMutations(cmd.Context(), "", limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTABLE\tRECORD\tOP\tSTATUS\tRETRIES\tCREATED")
			for _, m := range mutations {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					m.ID, m.Table, m.RecordID, m.Op, m.Status, m.RetryCount,
					m.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum mutations to list")
	return cmd
}

func conflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}
	cmd.AddCommand(conflictsListCmd(), conflictsResolveCmd())
	return cmd
}

func conflictsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List unresolved conflicts, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			conflicts, err := s.engine.ListUnresolvedConflicts(cmd.Context())
			if err != nil {
				return err
			}
			if len(conflicts) == 0 {
				fmt.Println("no unresolved conflicts")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTABLE\tRECORD\tKIND\tLOCAL VER\tREMOTE VER\tCREATED")
			for _, c := range conflicts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					c.ID, c.Table, c.RecordID, c.Kind, c.LocalVersion, c.RemoteVersion,
					c.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func conflictsResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <conflict-id> <strategy>",
		Short: "Resolve a conflict with local_wins, remote_wins, or preserve_delete",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			id, strategy := args[0], fleetsync.Strategy(args[1])
			if err := s.engine.ResolveConflict(cmd.Context(), id, strategy); err != nil {
				if errors.Is(err, fleetsync.ErrConflictNotFound) {
					return fmt.Errorf("no unresolved conflict with id %s", id)
				}
				return err
			}
			fmt.Printf("conflict %s resolved with %s\n", id, strategy)
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and report the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := buildStack(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()

			result, err := s.engine.RunCycle(cmd.Context())
			if err != nil {
				return err
			}
			if result.Skipped {
				fmt.Println("sync skipped: offline")
				return nil
			}

			fmt.Printf("pushed:    %d\n", result.MutationsPushed)
			fmt.Printf("pulled:    %d\n", result.RecordsPulled)
			fmt.Printf("conflicts: %d\n", result.ConflictsDetected)
			fmt.Printf("duration:  %s\n", result.Duration.Round(time.Millisecond))
			for _, e := range result.Errors {
				fmt.Fprintln(os.Stderr, "cycle error:", e)
			}
			if len(result.Errors) > 0 {
				return fmt.Errorf("cycle finished with %d errors", len(result.Errors))
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			s, err := buildStack(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			go s.monitor.Run(ctx)

			triggerConfig := fleetsync.TriggerConfig{Interval: s.config.Sync.Interval}
			if s.listener != nil {
				go s.listener.Run(ctx)
				triggerConfig.Wake = s.listener.Wake()
			}

			trigger := fleetsync.NewTrigger(s.engine, s.monitor, triggerConfig)
			defer trigger.Close()

			s.engine.SyncNow(ctx)
			trigger.Run(ctx)
			return nil
		},
	}
}
