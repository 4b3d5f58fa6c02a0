package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/relicta-tech/rollout/internal/config"
	"github.com/relicta-tech/rollout/internal/container"
)

var serveAddress string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the release server",
	Long: `Run the release server.

The server accepts release commands on /api/v1, GitLab deployment hooks on
/hooks/gitlab and streams release updates to dashboard clients. Releases
persisted by a previous run are resumed on start.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "address", "", "listen address (overrides server.address)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveAddress != "" {
		cfg.Server.Address = serveAddress
	}

	validator := config.NewValidator()
	if err := validator.Validate(cfg); err != nil {
		return err
	}
	for _, w := range validator.Warnings() {
		logger.Warn(w)
	}

	ctx := cmd.Context()
	c, err := container.New(ctx, cfg, versionInfo.Version)
	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}
	registerCleanup(func() {
		if err := c.Close(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	})

	resumed, err := c.Resume(ctx)
	if err != nil {
		return fmt.Errorf("failed to resume releases: %w", err)
	}

	slog.Info("rollout server starting",
		"address", cfg.Server.Address,
		"version", versionInfo.Version,
		"projects", len(cfg.Projects),
		"resumed", resumed)

	if err := c.Server().Start(ctx); err != nil {
		return err
	}
	slog.Info("rollout server stopped")
	return nil
}
