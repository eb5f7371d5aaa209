package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jfoltran/hranad/internal/bus"
	"github.com/jfoltran/hranad/internal/metrics"
	"github.com/jfoltran/hranad/internal/server"
	"github.com/jfoltran/hranad/internal/tui"
)

var (
	compactCronSpec string
	serveTUI        bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the node: HTTP/Hrana listener, node bus, and allocation manager",
	Long: `Serve starts this node's full stack: the node bus (for write-proxying and
replication hints), every allocation persisted under data_dir, and the HTTP
server exposing the Hrana pipeline/WebSocket endpoints, the replication
endpoints, and the status API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		collector := metrics.NewCollector(cfg.NodeID, logger)
		defer collector.Close()

		// With --tui, the operator dashboard owns the terminal, so ordinary
		// log lines are redirected into the collector's ring buffer (the
		// dashboard's log pane) instead of stderr/stdout.
		if serveTUI {
			logWriter := metrics.NewLogWriter(collector)
			logger = zerolog.New(logWriter).With().Timestamp().Logger().Level(logger.GetLevel())
		}

		persister, err := metrics.NewStatePersister(collector, logger)
		if err != nil {
			return err
		}
		persister.Start()
		defer persister.Stop()

		var manager *server.Manager
		b := bus.New(cfg.NodeID, logger, func(ctx context.Context, env bus.Envelope) {
			if manager != nil {
				manager.HandleEnvelope(ctx, env)
			}
		})
		for peerID, addr := range cfg.Bus.Peers {
			b.AddPeer(peerID, addr)
		}

		manager = server.NewManager(cfg.DataDir, b, collector, cfg.HTTP.Peers, logger)

		for _, name := range mustList(manager) {
			if _, err := manager.Get(ctx, name); err != nil {
				logger.Err(err).Str("db_name", name).Msg("failed to open persisted allocation at startup")
			}
		}

		srv := server.New(manager, collector, &cfg, logger)

		group, gctx := errgroup.WithContext(ctx)
		group.Go(func() error { return b.Listen(gctx, cfg.Bus.ListenAddr) })
		group.Go(func() error { return manager.RunCompactor(gctx, compactCronSpec) })
		group.Go(func() error { return srv.Start(gctx) })

		if serveTUI {
			// Give the listeners a moment to come up before the dashboard's
			// first metrics subscription renders, matching the brief
			// startup grace the teacher's clone --tui path uses.
			time.Sleep(100 * time.Millisecond)
			tuiErr := tui.Run(collector)
			cancel()
			if err := group.Wait(); err != nil && gctx.Err() == nil {
				return err
			}
			return tuiErr
		}

		return group.Wait()
	},
}

// mustList enumerates persisted allocations, logging and continuing on
// error rather than refusing to serve any of the ones that did load.
func mustList(m *server.Manager) []string {
	names, err := m.List()
	if err != nil {
		logger.Err(err).Msg("failed to list persisted allocations")
		return nil
	}
	return names
}

func init() {
	serveCmd.Flags().StringVar(&compactCronSpec, "compact-cron", "*/5 * * * *", "Cron expression for the background frame-log compaction sweep")
	serveCmd.Flags().BoolVar(&serveTUI, "tui", false, "Run the operator dashboard in the foreground instead of logging to stdout/stderr")
	rootCmd.AddCommand(serveCmd)
}
