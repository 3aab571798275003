// Package commands implements the stftp-client CLI.
package commands

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/holtby/stftp/internal/config"
	"github.com/holtby/stftp/internal/logger"
	"github.com/holtby/stftp/pkg/cryptoutil"
	"github.com/holtby/stftp/pkg/reliability"
	"github.com/holtby/stftp/pkg/session"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "stftp-client [server_ip] [port] <upload|download|delete> [filename]",
	Short: "Transfer a file to or from an stftp server",
	Long: `stftp-client moves a single file to or from an stftp server over an
unreliable datagram transport, using a stop-and-wait reliability layer with
AES-128-CBC encrypted payloads and an end-of-transfer MD5 integrity check.

server_ip defaults to 127.0.0.1 and port defaults to 69 when omitted.

Examples:
  stftp-client upload greet.txt
  stftp-client 10.0.0.5 6969 download greet.txt
  stftp-client delete greet.txt`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runClient,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in settings)")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

var commandNames = map[string]bool{"upload": true, "download": true, "delete": true}

// parseArgs splits the classical TFTP-style positional argument list
// "[server_ip] [port] <command> [filename]" by locating the command token,
// since server_ip and port are each optional prefixes rather than flags.
func parseArgs(args []string) (serverAddr string, port int, command string, filename string, err error) {
	idx := -1
	for i, a := range args {
		if commandNames[a] {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", 0, "", "", fmt.Errorf("missing command: one of upload, download, delete")
	}
	if idx > 2 {
		return "", 0, "", "", fmt.Errorf("too many arguments before the command")
	}

	serverAddr = "127.0.0.1"
	port = 69
	if idx >= 1 {
		serverAddr = args[0]
	}
	if idx >= 2 {
		port, err = strconv.Atoi(args[1])
		if err != nil {
			return "", 0, "", "", fmt.Errorf("invalid port %q: %w", args[1], err)
		}
	}

	command = args[idx]
	rest := args[idx+1:]
	if len(rest) > 0 {
		filename = rest[0]
	}
	if filename == "" {
		return "", 0, "", "", fmt.Errorf("%s requires a filename", command)
	}
	return serverAddr, port, command, filename, nil
}

func runClient(cmd *cobra.Command, args []string) error {
	serverAddr, port, command, filename, err := parseArgs(args)
	if err != nil {
		return err
	}

	cfg, err := config.LoadClientConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output}); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	key, err := cryptoutil.ParseKeyHex(cfg.KeyHex)
	if err != nil {
		return fmt.Errorf("key: %w", err)
	}
	sessCfg := session.Config{
		Key:         key,
		Reliability: reliability.Config{Timeout: cfg.Timeout, MaxRetries: cfg.MaxRetries},
	}

	peer, err := net.ResolveUDPAddr("udp", net.JoinHostPort(serverAddr, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("resolve server address: %w", err)
	}

	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return fmt.Errorf("open socket: %w", err)
	}
	defer conn.Close()

	logger.Info("stftp-client: starting session", "command", command, "server", peer.String(), "filename", filename)

	switch command {
	case "upload":
		err = session.Upload(conn, peer, filename, filepath.Base(filename), sessCfg)
	case "download":
		err = session.Download(conn, peer, filename, filepath.Base(filename), sessCfg)
	case "delete":
		err = session.Delete(conn, peer, filepath.Base(filename), sessCfg)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", command, filename, err)
	}

	cmd.Printf("%s succeeded: %s\n", command, filename)
	return nil
}
