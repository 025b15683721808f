package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"deepresearch/internal/bus"
	"deepresearch/internal/config"
	"deepresearch/internal/logging"
	"deepresearch/internal/pool"
	"deepresearch/internal/quality"
	"deepresearch/internal/research"
	"deepresearch/internal/store"
	"deepresearch/internal/swarm"
)

var (
	// Global flags
	verbose    bool
	configPath string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "deepresearch",
	Short: "deepresearch - multi-worker research coordination engine",
	Long: `deepresearch coordinates multi-stage research sessions: a supervisor
scopes a query into a brief, fans subtopics out over a bounded worker
swarm via a priority message bus, reflects on coverage gaps in bounded
cycles, and compiles a final report.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.Initialize(verbose); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Run one research session for a query",
	Long: `Runs a full session: scoping, bounded research/reflection cycles, and
report compilation. Without external collaborators configured, a
deterministic offline researcher is used, which makes this command
useful for exercising the coordination machinery end to end.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSession,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List archived research sessions",
	RunE:  listSessions,
}

func runSession(cmd *cobra.Command, args []string) error {
	query := args[0]
	for _, a := range args[1:] {
		query += " " + a
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b := bus.New(bus.Config{
		MaxRetries:        cfg.Bus.MaxRetries,
		BackoffBase:       cfg.GetBackoffBase(),
		BackoffMultiplier: cfg.Bus.BackoffMultiplier,
		MailboxSize:       cfg.Bus.MailboxSize,
		DeadLetterTTL:     cfg.GetDeadLetterTTL(),
	})
	p := pool.NewManager(pool.Config{
		MaxWorkers:     cfg.Pool.MaxConcurrentWorkers,
		AcquireTimeout: cfg.GetAcquireTimeout(),
	}, b)

	sim := newSimulatedCollaborators()
	executor := swarm.NewExecutor(swarm.Config{
		Concurrency:      cfg.Research.SwarmConcurrency,
		MaxReassignments: cfg.Research.MaxReassignments,
		TaskTimeout:      cfg.GetTaskTimeout(),
	}, b, p, sim, swarm.WithProgress(func(subtaskID, workerID, stage, detail string) {
		logging.SwarmDebug("progress %s: %s %s %s", subtaskID, workerID, stage, detail)
	}))
	defer executor.Close()

	reflector := quality.NewReflector(quality.Config{
		CompletenessThreshold: cfg.Quality.CompletenessThreshold,
		DepthThreshold:        cfg.Quality.DepthThreshold,
		AccuracyThreshold:     cfg.Quality.AccuracyThreshold,
		ConfidenceThreshold:   cfg.Quality.ConfidenceThreshold,
	})

	opts := []research.Option{}
	if cfg.Archive.Enabled {
		archive, err := store.Open(cfg.Archive.Path)
		if err != nil {
			return fmt.Errorf("failed to open session archive: %w", err)
		}
		defer archive.Close()
		opts = append(opts, research.WithArchiver(archive))
	}

	coordinator := research.NewCoordinator(research.Config{
		MaxReflectionIterations: cfg.Research.MaxReflectionIterations,
		ScopingRetries:          cfg.Research.ScopingRetries,
	}, b, p, executor, reflector, sim, sim, opts...)

	started := time.Now()
	report, session, err := coordinator.Run(ctx, query)
	if err != nil {
		return fmt.Errorf("session %s failed: %w", session.ID, err)
	}

	fmt.Printf("# %s\n\n%s\n", report.Title, report.Content)
	if len(report.Limitations) > 0 {
		fmt.Println("\nLimitations:")
		for _, l := range report.Limitations {
			fmt.Printf("  - %s\n", l)
		}
	}
	fmt.Printf("\nSession %s finished in %s after %d reflection cycles.\n",
		session.ID, time.Since(started).Round(time.Millisecond), session.Iteration())

	stats := b.Stats()
	logging.Bus("final delivery stats: sent=%d delivered=%d retried=%d duplicates=%d dead_lettered=%d",
		stats.Sent, stats.Delivered, stats.Retried, stats.Duplicates, stats.DeadLettered)
	return nil
}

func listSessions(cmd *cobra.Command, args []string) error {
	if !cfg.Archive.Enabled {
		return fmt.Errorf("session archive is disabled in config")
	}
	archive, err := store.Open(cfg.Archive.Path)
	if err != nil {
		return fmt.Errorf("failed to open session archive: %w", err)
	}
	defer archive.Close()

	sessions, err := archive.List(cmd.Context(), 20)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No archived sessions.")
		return nil
	}

	fmt.Printf("%-14s %-32s %-10s %-14s %s\n", "ID", "QUERY", "CYCLES", "VERDICT", "STARTED")
	for _, s := range sessions {
		query := s.Query
		if len(query) > 30 {
			query = query[:27] + "..."
		}
		fmt.Printf("%-14s %-32s %-10d %-14s %s\n",
			s.ID, query, s.Iterations, s.FinalVerdict, s.StartedAt.Local().Format(time.RFC3339))
	}
	return nil
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "path to config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
