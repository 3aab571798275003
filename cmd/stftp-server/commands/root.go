// Package commands implements the stftp-server CLI.
package commands

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/holtby/stftp/internal/config"
	"github.com/holtby/stftp/internal/logger"
	"github.com/holtby/stftp/internal/metrics"
	"github.com/holtby/stftp/internal/server"
	"github.com/holtby/stftp/internal/store"
	"github.com/holtby/stftp/pkg/cryptoutil"
	"github.com/holtby/stftp/pkg/reliability"
	"github.com/holtby/stftp/pkg/session"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile    string
	backupDir  string
	keyHex     string
	metricsFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "stftp-server [port]",
	Short: "Serve uploads, downloads, and deletes from a backup directory",
	Long: `stftp-server binds one UDP endpoint and serves a single transfer at a
time: upload (WRQ), download (RRQ), and delete requests against the files in
its backup directory, with AES-128-CBC encrypted payloads and an
end-of-transfer MD5 integrity check.

port defaults to 69 when omitted. The server runs until interrupted.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: built-in settings)")
	rootCmd.Flags().StringVar(&backupDir, "backup-dir", "", "backup directory (overrides config)")
	rootCmd.Flags().StringVar(&keyHex, "key-hex", "", "AES-128 key as 32 hex characters (overrides config)")
	rootCmd.Flags().BoolVar(&metricsFlag, "metrics", false, "serve Prometheus metrics (overrides config)")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadServerConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(args) == 1 {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", args[0], err)
		}
		cfg.Port = port
	}
	if backupDir != "" {
		cfg.BackupDir = backupDir
	}
	if keyHex != "" {
		cfg.KeyHex = keyHex
	}
	if metricsFlag {
		cfg.Metrics.Enabled = true
	}
	if err := config.ValidateServerConfig(cfg); err != nil {
		return err
	}

	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	st, err := store.Open(cfg.BackupDir)
	if err != nil {
		return fmt.Errorf("open backup store: %w", err)
	}

	key, err := cryptoutil.ParseKeyHex(cfg.KeyHex)
	if err != nil {
		return fmt.Errorf("key: %w", err)
	}
	sessCfg := session.Config{
		Key:         key,
		Reliability: reliability.Config{Timeout: cfg.Timeout, MaxRetries: cfg.MaxRetries},
	}

	reg := prometheus.NewRegistry()
	m := metrics.NullMetrics()
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(reg)
		go func() {
			logger.Info("stftp-server: metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := metrics.ServeHTTP(cfg.Metrics.Addr, reg); err != nil {
				logger.Error("stftp-server: metrics endpoint stopped", "error", err)
			}
		}()
	}

	srv, err := server.New(net.JoinHostPort("", strconv.Itoa(cfg.Port)), st, sessCfg, m)
	if err != nil {
		return fmt.Errorf("bind server: %w", err)
	}
	defer srv.Close()

	logger.Info("stftp-server: listening", "addr", srv.Addr().String(), "backup_dir", st.Dir())

	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("stftp-server: shutdown signal received")
		if err := srv.Close(); err != nil {
			logger.Warn("stftp-server: close error", "error", err)
		}
		return <-serveDone
	case err := <-serveDone:
		return err
	}
}
