package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sharefs/internal/daemon"
	"sharefs/internal/util"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the daemon",
	Long:  `Starts the sharefs daemon serving configured shares to guests.`,
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long:  `Stops the running sharefs daemon.`,
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Shows the daemon state and the effective configuration.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var serveForeground bool
var serveRestart bool
var serveListen string
var serveLogLevel string

func init() {
	serveCmd.Flags().BoolVarP(&serveForeground, "foreground", "f", false, "Run in foreground")
	serveCmd.Flags().BoolVar(&serveRestart, "restart", false, "Restart daemon if already running")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides settings)")
	serveCmd.Flags().StringVar(&serveLogLevel, "logging", "", "Log level: trace, debug, info, warn, off (overrides settings)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if daemon.IsDaemonRunning() {
		pid, _ := daemon.GetPID()

		if serveRestart {
			fmt.Printf("Daemon already running (PID %d), restarting...\n", pid)
			if err := stopDaemonAndWait(); err != nil {
				return fmt.Errorf("failed to stop daemon for restart: %w", err)
			}
		} else {
			fmt.Printf("Daemon already running (PID %d)\n", pid)
			fmt.Println("Use --restart to restart the daemon")
			return nil
		}
	}

	if serveForeground {
		d := daemon.New()
		d.LogLevel = serveLogLevel
		d.ListenAddr = serveListen
		return d.Run()
	}

	// Re-exec ourselves detached; the child runs the foreground path.
	startCmd := []string{"serve", "--foreground"}
	if serveLogLevel != "" {
		startCmd = append(startCmd, "--logging", serveLogLevel)
	}
	if serveListen != "" {
		startCmd = append(startCmd, "--listen", serveListen)
	}

	cfg := util.DaemonStartConfig{
		Notify:     true,
		PollConfig: util.FastPollConfig(),
	}
	if err := util.StartDaemonIfNeeded(context.Background(), cfg, daemon.IsDaemonRunning, startCmd); err != nil {
		return err
	}

	pid, _ := daemon.GetPID()
	fmt.Printf("Daemon started (PID %d)\n", pid)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	if !daemon.IsDaemonRunning() {
		fmt.Println("Daemon not running")
		return nil
	}

	if err := stopDaemonAndWait(); err != nil {
		return err
	}

	fmt.Println("Daemon stopped")
	return nil
}

// stopDaemonAndWait requests a graceful stop and escalates to SIGKILL
// if the daemon does not exit in time.
func stopDaemonAndWait() error {
	pid, err := daemon.GetPID()
	if err != nil {
		return err
	}

	return util.StopProcess(
		context.Background(),
		pid,
		util.ProcessConfig{GracefulTimeout: 10 * time.Second},
		daemon.SignalStop,
		daemon.IsDaemonRunning,
	)
}

func runStatus(cmd *cobra.Command, args []string) error {
	settings, err := daemon.LoadGlobalSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	if daemon.IsDaemonRunning() {
		pid, _ := daemon.GetPID()
		fmt.Printf("Daemon: running (PID %d)\n", pid)
	} else {
		fmt.Println("Daemon: not running")
	}

	fmt.Printf("Listen address: %s\n", settings.ListenAddr)
	logLevel := settings.LogLevel
	if logLevel == "" {
		logLevel = "off"
	}
	fmt.Printf("Log level: %s\n", logLevel)
	fmt.Printf("Shares file: %s\n", settings.SharesPath())

	return nil
}
