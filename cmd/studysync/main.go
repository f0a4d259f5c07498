// Command studysync runs the offline-first study-data sync client from the
// terminal: one-shot sync cycles, a periodic background loop, and inspection
// of sync status and blocks.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quizlight/studysync"
	"github.com/quizlight/studysync/config"
	"github.com/quizlight/studysync/identity"
	"github.com/quizlight/studysync/logging"
	"github.com/quizlight/studysync/record"
	"github.com/quizlight/studysync/storage/sqlite"
	"github.com/quizlight/studysync/transport/httptransport"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "studysync",
		Short:         "Offline-first sync client for study data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default: ./studysync.yaml)")
	root.AddCommand(newSyncCmd(), newWatchCmd(), newStatusCmd(), newUnblockCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app holds the wired-up runtime for one command invocation.
type app struct {
	cfg          *config.Config
	store        *sqlite.Store
	orchestrator *studysync.Orchestrator
	identityID   string
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.Logging)

	if cfg.Remote.Token == "" {
		return nil, fmt.Errorf("no credential: set remote.token or STUDYSYNC_REMOTE_TOKEN")
	}
	token := identity.TokenSource(func(context.Context) (string, error) {
		return cfg.Remote.Token, nil
	})

	ids := identity.NewBearerProvider(token)
	active := ids.ActiveIdentity(ctx)
	if !active.Valid {
		return nil, fmt.Errorf("credential is expired or carries no subject")
	}

	store, err := sqlite.New(sqlite.DefaultConfig(cfg.Database.Path))
	if err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}

	gateway := httptransport.NewClient(cfg.Remote.BaseURL, token,
		httptransport.WithHTTPClient(&http.Client{Timeout: cfg.Remote.Timeout}))

	orch := studysync.New(studysync.Deps{
		Local:    store,
		Cursors:  store,
		Blocks:   store,
		Gateway:  gateway,
		Locks:    sqlite.NewLocker(store),
		Identity: ids,
	}, cfg.Sync.Options())

	return &app{cfg: cfg, store: store, orchestrator: orch, identityID: active.ID}, nil
}

func (a *app) close() {
	a.store.Close()
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one push+pull cycle for every collection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			out := a.orchestrator.Synchronize(cmd.Context(), a.identityID)
			printOutcome(cmd, out)
			if out.Status == studysync.StatusFailed {
				return fmt.Errorf("sync failed")
			}
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Sync periodically until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			a.orchestrator.Subscribe(func(out studysync.Outcome) {
				printOutcome(cmd, out)
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// First cycle immediately; the loop takes over from there.
			printOutcome(cmd, a.orchestrator.Synchronize(ctx, a.identityID))
			if err := a.orchestrator.StartAutoSync(ctx, a.identityID); err != nil {
				return err
			}
			<-ctx.Done()
			a.orchestrator.StopAutoSync()
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state and any active blocks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			state, blocked := a.orchestrator.SyncState(cmd.Context(), a.identityID)
			cmd.Printf("identity: %s\nstate:    %s\n", a.identityID, state)
			for entity, block := range blocked {
				cmd.Printf("blocked:  %s reason=%s since=%s ttl=%s\n",
					entity, block.Reason, block.BlockedAt.Format("2006-01-02 15:04:05"), block.TTL)
			}
			return nil
		},
	}
}

func newUnblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <entity>",
		Short: "Clear a persisted sync block for one collection",
		Long:  "Clears a schema-drift block, typically after updating the app. Entities: study_sets, sessions, reviews.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := record.DescriptorFor(record.Entity(args[0]))
			if err != nil {
				return err
			}

			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.orchestrator.ClearBlock(cmd.Context(), desc.Entity, a.identityID); err != nil {
				return err
			}
			cmd.Printf("cleared block for %s\n", desc.Entity)
			return nil
		},
	}
}

func printOutcome(cmd *cobra.Command, out studysync.Outcome) {
	cmd.Printf("status: %s (%s)\n", out.Status, out.Duration.Round(time.Millisecond))
	for _, entity := range record.Entities() {
		res, ok := out.PerEntity[entity]
		if !ok {
			continue
		}
		line := fmt.Sprintf("  %-10s pushed=%d pulled=%d", entity, res.Pushed, res.Pulled)
		if res.Rejected > 0 {
			line += fmt.Sprintf(" rejected=%d", res.Rejected)
		}
		if res.Invalid > 0 {
			line += fmt.Sprintf(" invalid=%d", res.Invalid)
		}
		if res.Incomplete {
			line += fmt.Sprintf(" incomplete=%s", res.Reason)
		}
		cmd.Println(line)
	}
}
