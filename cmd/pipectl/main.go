// Package main is the CLI entry point for pipectl.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/pipectl/internal/config"
	"github.com/eliteGoblin/pipectl/internal/domain"
	"github.com/eliteGoblin/pipectl/internal/infra"
	"github.com/eliteGoblin/pipectl/internal/push"
	"github.com/eliteGoblin/pipectl/internal/server"
	"github.com/eliteGoblin/pipectl/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pipectl",
	Short: "Control plane for the download pipeline containers",
	Long: `pipectl exposes a small HTTP API over a local Docker engine:
start/stop the pipeline container, watch live status of the pipeline,
VPN and Tor containers, tail pipeline logs, and manage the shared
download-link list.`,
	Version: Version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Starts the API server and blocks until SIGINT/SIGTERM.
Configuration is read from --config if given, otherwise built-in
defaults apply. PIPECTL_AUTH_TOKEN, PIPECTL_LISTEN and
PIPECTL_DOCKER_SOCKET override the file.`,
	RunE: runServe,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current container status",
	Long:  `Queries a running pipectl server and prints the status snapshot as JSON.`,
	RunE:  runStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	configPath string
	serverAddr string
	jsonOutput bool
)

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	statusCmd.Flags().StringVar(&serverAddr, "addr", "http://127.0.0.1:8089", "Address of the running server")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := createLogger()
	defer func() { _ = logger.Sync() }()

	engine := infra.NewDockerEngine(cfg.Docker.Socket, logger)
	links := infra.NewFileLinkStore(cfg.Links.File, logger)
	prober := infra.NewSystemProber(logger)
	projector := usecase.NewStatusProjector(engine, usecase.WatchedContainers{
		Pipeline: cfg.Containers.Pipeline,
		VPN:      cfg.Containers.VPN,
		Tor:      cfg.Containers.Tor,
	}, Version, cfg.Stream.StatusPoll(), logger)
	broadcaster := push.NewBroadcaster(logger)

	srv := server.New(cfg, engine, links, prober, projector, broadcaster, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	return srv.Run(ctx)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequest(http.MethodGet, serverAddr+"/api/status", nil)
	if err != nil {
		return err
	}
	if token := os.Getenv("PIPECTL_AUTH_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("server not reachable at %s: %w", serverAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	var snap domain.StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}

	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func createLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("pipectl %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
