// Command worker-agent is the ClusterRunner-style build worker: it
// registers with a manager, exposes a control endpoint for setup/
// teardown/subjob requests, and supervises a fixed pool of
// subjob-runner executors. Flags, env vars, and an optional config
// file are wired through spf13/cobra and spf13/viper, the same daemon
// CLI stack roadrunner itself uses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/jamiebuilds/ClusterRunner/internal/analytics"
	"github.com/jamiebuilds/ClusterRunner/internal/config"
	"github.com/jamiebuilds/ClusterRunner/internal/controlplane"
	"github.com/jamiebuilds/ClusterRunner/internal/digest"
	"github.com/jamiebuilds/ClusterRunner/internal/executor"
	"github.com/jamiebuilds/ClusterRunner/internal/executorpool"
	"github.com/jamiebuilds/ClusterRunner/internal/heartbeat"
	"github.com/jamiebuilds/ClusterRunner/internal/ipcpipe"
	"github.com/jamiebuilds/ClusterRunner/internal/logging"
	"github.com/jamiebuilds/ClusterRunner/internal/managerclient"
	"github.com/jamiebuilds/ClusterRunner/internal/projecttype"
	"github.com/jamiebuilds/ClusterRunner/internal/shutdown"
	"github.com/jamiebuilds/ClusterRunner/internal/worker"
)

var configFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "worker-agent",
	Short: "ClusterRunner worker agent: runs subjobs dispatched by a manager",
	RunE:  runWorkerAgent,
}

func init() {
	config.BindFlags(rootCmd.Flags())
	rootCmd.Flags().StringVar(&configFile, "config", "", "path to a YAML/JSON/TOML config file")
}

func runWorkerAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	coordinator := shutdown.Default()
	shutdown.SetLogger(logger)

	pool := buildExecutorPool(cfg)
	client := managerclient.New(cfg.ManagerURL, digest.NewSecret(cfg.Secret), cfg.NumExecutors)

	w := worker.New(worker.Config{
		Host:                 cfg.Host,
		Port:                 cfg.Port,
		NumExecutors:         cfg.NumExecutors,
		TeardownPollInterval: cfg.TeardownPollInterval,
		TeardownTimeout:      cfg.TeardownTimeout,
		WorkspaceRoot:        cfg.WorkspaceRoot,
	}, pool, client, projecttype.DefaultFactory, analytics.NewLoggingSink(logger), logger, coordinator)

	if err := w.ConnectToManager(context.Background(), cfg.ManagerURL); err != nil {
		return fmt.Errorf("connecting to manager: %w", err)
	}

	hb := heartbeat.New(client, w.WorkerID, cfg.HeartbeatInterval, cfg.HeartbeatFailureThreshold, w.Kill, logger)
	hb.Start()
	coordinator.AddTeardownCallback("stop-heartbeat", func() error {
		hb.Stop()
		return nil
	})

	server := controlplane.New(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), w, logger)
	coordinator.AddTeardownCallback("stop-control-endpoint", func() error {
		return server.Shutdown(context.Background())
	})

	coordinator.InstallSignalHandlers()

	logger.Sugar().Infof("worker-agent listening on %s:%d, manager %s", cfg.Host, cfg.Port, cfg.ManagerURL)
	return server.ListenAndServe()
}

// buildExecutorPool spawns cfg.NumExecutors subjob-runner subprocesses
// lazily, one per executor slot, via internal/ipcpipe's stdio-pipe
// Factory (adapted from roadrunner's ipc.Factory).
func buildExecutorPool(cfg *config.Config) *executorpool.Pool {
	factory := ipcpipe.NewFactory()

	executors := make([]*executor.Executor, cfg.NumExecutors)
	for i := 0; i < cfg.NumExecutors; i++ {
		runnerPath := cfg.SubjobRunnerPath
		executors[i] = executor.New(i, func() (*ipcpipe.Process, error) {
			return factory.SpawnWorker(exec.Command(runnerPath))
		})
	}
	return executorpool.New(executors)
}
