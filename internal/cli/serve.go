package cli

import (
	"fmt"
	"regexp"

	"github.com/harun/vaultd/internal/daemon"
	"github.com/harun/vaultd/internal/logger"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the vaultd daemon in the foreground",
	Long: `Run the vaultd daemon in the foreground until SIGINT or SIGTERM.
Open notes are flushed to disk before the process exits.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	if r := log.Redactor(); r != nil && cfg.Gateway.SharedSecret != "" {
		if err := r.AddPattern(regexp.QuoteMeta(cfg.Gateway.SharedSecret)); err != nil {
			return fmt.Errorf("failed to register secret redaction: %w", err)
		}
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "vaultd listening on %s\n", d.Status().Addr)
	d.Wait()
	return nil
}
