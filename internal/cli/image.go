package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/javanstorm/bubbles/internal/host"
	"github.com/javanstorm/bubbles/internal/image"
)

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Manage the template image",
}

var imageStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the template image is present",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		tpl := cfg.Paths().Template(cfg.TemplateName)
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", cfg.TemplateName, image.Probe(tpl))
	},
}

var imagePullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download and prepare the template image",
	Long: `Pull the template artifact, convert its disk to raw and grow it.
An existing template is replaced.`,
	Args: cobra.NoArgs,
	RunE: runImagePull,
}

func init() {
	imageCmd.AddCommand(imageStatusCmd)
	imageCmd.AddCommand(imagePullCmd)
}

func runImagePull(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.Paths().EnsureDirectories(); err != nil {
		return fmt.Errorf("create data directories: %w", err)
	}

	launcher, err := host.Detect(cfg.Sandbox, logger)
	if err != nil {
		return err
	}

	pipeline := image.NewPipeline(cfg, launcher, logger)
	tracker := image.NewTracker(pipeline.Paths, pipeline)
	if err := tracker.Provision(ctx); err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", cfg.TemplateName, tracker.Status())
	return nil
}
