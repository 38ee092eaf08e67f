// ABOUTME: Entry point for the Resonate voice relay
// ABOUTME: Parses CLI flags and config and runs the relay until interrupted
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Resonate-Protocol/resonate-voice/internal/config"
	"github.com/Resonate-Protocol/resonate-voice/internal/logging"
	"github.com/Resonate-Protocol/resonate-voice/internal/server"
	"github.com/Resonate-Protocol/resonate-voice/internal/version"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile  string
	port        int
	name        string
	metricsAddr string
	logFile     string
	debug       bool
	noMDNS      bool
	noTUI       bool
)

var rootCmd = &cobra.Command{
	Use:   "resonate-voice-server",
	Short: "Voice relay and session authority",
	Long: `Voice relay and session authority.

Assigns client ids, tracks rooms and relays voice, text and relay packets
between clients. Packets carrying another session are rejected.

Examples:
  resonate-voice-server --port 8927
  resonate-voice-server --no-tui --metrics :9100`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&configFile, "config", "c", "", "YAML config file")
	f.IntVarP(&port, "port", "p", 8927, "WebSocket server port")
	f.StringVarP(&name, "name", "n", "", "Server friendly name (default: hostname-voice-relay)")
	f.StringVar(&metricsAddr, "metrics", "", "Serve /metrics on a separate address")
	f.StringVar(&logFile, "log-file", "resonate-voice-server.log", "Log file path")
	f.BoolVar(&debug, "debug", false, "Enable debug logging")
	f.BoolVar(&noMDNS, "no-mdns", false, "Disable mDNS advertisement")
	f.BoolVar(&noTUI, "no-tui", false, "Disable TUI, stream logs instead")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = port
	}
	if flags.Changed("name") {
		cfg.Server.Name = name
	}
	if flags.Changed("metrics") {
		cfg.Server.MetricsAddr = metricsAddr
	}
	if noMDNS {
		cfg.Server.MDNS = false
	}
	if flags.Changed("log-file") || cfg.Log.File == "" {
		cfg.Log.File = logFile
	}
	if debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	useTUI := !noTUI
	closer, err := logging.Setup(cfg.Log.Level, cfg.Log.File, !useTUI)
	if err != nil {
		return err
	}
	defer closer.Close()
	log := logrus.StandardLogger()

	serverName := cfg.Server.Name
	if serverName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		serverName = fmt.Sprintf("%s-voice-relay", hostname)
	}

	log.WithFields(logrus.Fields{
		"name":    serverName,
		"port":    cfg.Server.Port,
		"version": version.Version,
	}).Infof("Starting %s", version.ServerProduct)

	srv := server.New(server.Config{
		Port:        cfg.Server.Port,
		Name:        serverName,
		EnableMDNS:  cfg.Server.MDNS,
		UseTUI:      useTUI,
		MetricsAddr: cfg.Server.MetricsAddr,
		Logger:      log,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithField("signal", sig.String()).Info("Shutting down gracefully")
		srv.Stop()
	}()

	if err := srv.Start(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	log.Info("Server stopped")
	return nil
}
