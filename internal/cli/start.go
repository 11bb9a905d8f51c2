package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reza/vizier/internal/config"
	"github.com/reza/vizier/internal/daemon"
	"github.com/reza/vizier/internal/logger"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Vizier daemon",
	Long: `Start the Vizier daemon in the foreground.
The gateway accepts WebSocket sessions and the viewer runs on the main thread.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if daemon.ProcessRunning(cfg.DataDir) {
		return fmt.Errorf("daemon is already running (PID file: %s)", daemon.PIDFilePath(cfg.DataDir))
	}

	log, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: true,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	return d.Run()
}
