// Command chaind runs the blockchain core as a standalone node process:
// it loads (or bootstraps) the chain from durable storage, starts the
// epoch clock, and serves the read-only query and metrics endpoints. It
// does not gossip blocks to or from peers, and nothing in this command or
// in the read-only query surface calls HandleBlock.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cmdconfig "chainkernel/cmd/config"
	"chainkernel/core"
	"chainkernel/internal/metrics"
	"chainkernel/internal/queryapi"
	pkgconfig "chainkernel/pkg/config"
)

var logger = logrus.StandardLogger()

func main() {
	root := &cobra.Command{Use: "chaind"}
	root.AddCommand(startCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "load the chain and serve the read-only query and metrics endpoints",
		Run: func(cmd *cobra.Command, args []string) {
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				logger.WithError(err).Warn("chaind: could not load .env")
			}
			if env == "" {
				env = os.Getenv("CHAIND_ENV")
			}
			cmdconfig.LoadConfig(env)
			run(cmdconfig.AppConfig)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "configuration environment overlay (e.g. bootstrap)")
	return cmd
}

func run(cfg pkgconfig.Config) {
	zlog, err := zap.NewProduction()
	if err != nil {
		logger.WithError(err).Fatal("chaind: build zap logger")
	}
	defer zlog.Sync()

	store, err := core.OpenFileBlockStore(cfg.Chain.StoreDir, zlog)
	if err != nil {
		logger.WithError(err).Fatal("chaind: open block store")
	}
	defer store.Close()

	block0, genesisState, err := pkgconfig.LoadGenesis(cfg.Chain.GenesisFile)
	if err != nil {
		logger.WithError(err).Fatal("chaind: load genesis descriptor")
	}

	applier := &core.DefaultApplier{}
	bc, err := core.Load(block0, genesisState, store, applier, genesisState.Static.EpochLength, logger)
	if err != nil {
		logger.WithError(err).Fatal("chaind: load chain")
	}

	var servers []*http.Server

	if cfg.Metrics.Enabled {
		collector := metrics.New(logger)
		servers = append(servers, collector.StartServer(cfg.Metrics.ListenAddr))
		logger.WithField("addr", cfg.Metrics.ListenAddr).Info("chaind: metrics listening")
	}

	if cfg.QueryAPI.Enabled {
		api := queryapi.New(bc, &queryapi.StatsCounter{}, logger)
		srv := &http.Server{Addr: cfg.QueryAPI.ListenAddr, Handler: api.Router()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("chaind: query api server exited")
			}
		}()
		servers = append(servers, srv)
		logger.WithField("addr", cfg.QueryAPI.ListenAddr).Info("chaind: query api listening")
	}

	epochSink := make(chan core.EpochParameters, cfg.Epoch.EventBufferLen)
	clock := core.NewEpochClock(bc.TimeFrame(), bc.EpochLength(), bc.TipState, epochSink, logger)
	clock.Initial()
	clock.Start()
	defer clock.Stop()

	go func() {
		for params := range epochSink {
			logger.WithField("epoch", params.Epoch).Info("chaind: epoch boundary")
		}
	}()

	housekeeping := time.NewTicker(time.Duration(cfg.Epoch.HousekeepingSecs) * time.Second)
	defer housekeeping.Stop()
	stopHousekeeping := make(chan struct{})
	go func() {
		for {
			select {
			case <-housekeeping.C:
				bc.RunGC()
			case <-stopHousekeeping:
				return
			}
		}
	}()
	defer close(stopHousekeeping)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("chaind: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.WithError(err).Warn("chaind: server shutdown error")
		}
	}
}
