package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gridnote/gridsync/internal/config"
	"github.com/gridnote/gridsync/internal/conflict"
	"github.com/gridnote/gridsync/internal/engine"
	"github.com/gridnote/gridsync/internal/logging"
	"github.com/gridnote/gridsync/internal/statusfeed"
	"github.com/gridnote/gridsync/internal/store"
	"github.com/gridnote/gridsync/internal/watch"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("gridsync starting",
		slog.String("version", Version),
		slog.String("data_dir", cfg.DataDir),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return fmt.Errorf("opening record store: %w", err)
	}
	defer st.Close()

	projectID, err := registerProjects(cfg, st)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Config{
		Store:        st,
		Conflicts:    conflict.NewService(st, logger),
		Logger:       logger,
		Debounce:     cfg.Debounce,
		SyncInterval: cfg.SyncInterval,
	})

	if h := policyHandler(cfg.ConflictPolicy, logger); h != nil {
		eng.OnConflict(h)
	}

	hub := statusfeed.NewHub(logger)
	unsubscribe := eng.SubscribeState(func(status engine.Status) {
		hub.Publish(status)
		logger.Debug("sync state changed",
			slog.String("state", string(status.State)),
			slog.Int("pending", status.Pending),
		)
	})
	defer unsubscribe()

	if err := eng.Activate(ctx, projectID); err != nil {
		return fmt.Errorf("activating project %s: %w", projectID, err)
	}
	defer eng.Deactivate()

	// A mirror dir from the environment connects (or re-connects) the
	// project explicitly; this counts as the user gesture.
	if cfg.MirrorDir != "" && eng.MirrorRoot() == "" {
		if err := eng.Connect(ctx, cfg.MirrorDir); err != nil {
			return fmt.Errorf("connecting mirror folder: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return eng.Run(gctx)
	})

	if root := eng.MirrorRoot(); root != "" {
		watcher := watch.New(root, eng, logger)

		g.Go(func() error {
			return watcher.Watch(gctx)
		})
	}

	if cfg.StatusListenAddr != "" {
		g.Go(func() error {
			return statusfeed.Serve(gctx, cfg.StatusListenAddr, hub, logger)
		})
	}

	return g.Wait()
}

// registerProjects ensures manifest projects exist in the store and
// returns the project to activate: the configured one, or the first
// manifest entry.
func registerProjects(cfg *config.Config, st *store.Store) (string, error) {
	manifest, err := cfg.LoadManifest()
	if err != nil {
		return "", err
	}

	for _, p := range manifest.Projects {
		existing, err := st.GetProject(p.ID)
		if err != nil {
			return "", err
		}

		if existing == nil {
			name := p.Name
			if name == "" {
				name = p.ID
			}

			if err := st.PutProject(store.ProjectMetadata{ID: p.ID, Name: name}); err != nil {
				return "", err
			}
		}

		if err := st.InitProject(p.ID); err != nil {
			return "", err
		}

		if p.MirrorDir != "" {
			handle, err := st.GetHandle(p.ID)
			if err != nil {
				return "", err
			}

			if handle == nil {
				entry := store.DirectoryHandleEntry{ProjectID: p.ID, Dir: p.MirrorDir}
				if err := st.PutHandle(entry); err != nil {
					return "", err
				}
			}
		}
	}

	projectID := cfg.Project
	if projectID == "" && len(manifest.Projects) > 0 {
		projectID = manifest.Projects[0].ID
	}

	if projectID == "" {
		return "", fmt.Errorf("no project configured")
	}

	// Projects named only by env var are registered on first run.
	existing, err := st.GetProject(projectID)
	if err != nil {
		return "", err
	}

	if existing == nil {
		if err := st.PutProject(store.ProjectMetadata{ID: projectID, Name: projectID}); err != nil {
			return "", err
		}
	}

	return projectID, nil
}

// policyHandler builds the auto-resolve handler for non-interactive
// deployments. The manual policy returns nil: conflicts stay pending
// until a UI attaches and answers.
func policyHandler(policy string, logger *slog.Logger) engine.ConflictHandler {
	var decision conflict.Decision

	switch policy {
	case "keep-local":
		decision = conflict.KeepLocal()
	case "keep-external":
		decision = conflict.KeepExternal()
	default:
		return nil
	}

	return func(conflicts []*conflict.Conflict) []conflict.Decision {
		decisions := make([]conflict.Decision, len(conflicts))
		for i, c := range conflicts {
			logger.Info("auto-resolving conflict",
				slog.String("path", c.Path),
				slog.String("node_type", c.NodeType),
				slog.String("policy", policy),
			)

			decisions[i] = decision
		}

		return decisions
	}
}
