package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/vault/pkg/config"
	"github.com/cuemby/vault/pkg/log"
	"github.com/cuemby/vault/pkg/metrics"
	"github.com/cuemby/vault/pkg/router"
	"github.com/cuemby/vault/pkg/types"
	"github.com/cuemby/vault/pkg/vault"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vault",
	Short: "Vault - one node of the self-authenticating storage network",
	Long: `Vault runs the replicated per-persona account engine: it joins the
overlay, accumulates and quorum-gates routed requests, synchronizes
proposed actions across its close groups, and persists committed
account state.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Vault version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      logLevel,
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a vault node",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		peerID, _ := cmd.Flags().GetString("peer-id")

		cfg := config.Default()
		if configPath != "" {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
		}
		log.Init(log.Config{Level: cfg.LogLevel, JSONOutput: cfg.LogJSON})
		metrics.Register()

		// The real overlay transport is supplied by the deployment
		// harness; a standalone binary gets a single-node in-memory
		// overlay, enough to exercise storage and local personas.
		network := router.NewNetwork()
		r := network.Join(types.PeerID(peerID))
		network.SetCloseGroup(types.PeerID(peerID), []types.PeerID{types.PeerID(peerID)})

		v, err := vault.New(cfg, r)
		if err != nil {
			return err
		}
		v.Start()
		defer func() {
			if err := v.Stop(); err != nil {
				log.Errorf("stopping vault", err)
			}
		}()

		if metricsAddr != "" {
			go func() {
				http.Handle("/metrics", metrics.Handler())
				if err := http.ListenAndServe(metricsAddr, nil); err != nil {
					log.Errorf("metrics endpoint", err)
				}
			}()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to vault config YAML")
	serveCmd.Flags().String("metrics-addr", "", "Address for the Prometheus endpoint (disabled if empty)")
	serveCmd.Flags().String("peer-id", "vault-local", "Overlay peer ID for standalone mode")
}
