package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running filtergate server",
	Long: `Stop a running filtergate server by reading its PID file and sending SIGTERM.

The server drains the audit queue before exiting. The PID file is located
at ~/.filtergate/server.pid.

Examples:
  filtergate stop`,
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	pidPath := pidFilePath()

	pid := readPIDFile(pidPath)
	if pid == 0 {
		return fmt.Errorf("no server PID file found at %s\nIs the server running?", pidPath)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		os.Remove(pidPath)
		return fmt.Errorf("invalid PID %d: %w", pid, err)
	}

	if !processIsAlive(proc) {
		os.Remove(pidPath)
		return fmt.Errorf("server process %d is not running (stale PID file removed)", pid)
	}

	errOut := cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "Stopping filtergate server (PID %d)...\n", pid)
	if err := sendGracefulStop(proc); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	// Poll every 200ms for up to 10s.
	for i := 0; i < 50; i++ {
		time.Sleep(200 * time.Millisecond)
		if !processIsAlive(proc) {
			os.Remove(pidPath)
			fmt.Fprintln(errOut, "Server stopped.")
			return nil
		}
	}

	fmt.Fprintln(errOut, "Server did not stop gracefully, killing it...")
	_ = proc.Kill()
	os.Remove(pidPath)
	fmt.Fprintln(errOut, "Server killed.")
	return nil
}
