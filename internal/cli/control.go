package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/javanstorm/bubbles/internal/control"
	"github.com/javanstorm/bubbles/internal/instance"
)

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Ask a running bubble to shut down",
	Long: `Send a shutdown request to the guest. The bubble stops once the guest
powers off; use Ctrl+C twice on 'bubbles run' to force it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(cmd, args[0], "POST", control.PathShutdown, "Shutdown requested")
	},
}

var terminalCmd = &cobra.Command{
	Use:   "terminal <name>",
	Short: "Open a terminal window inside a running bubble",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl(cmd, args[0], "POST", control.PathSpawnTerminal, "Terminal requested")
	},
}

// sendControl delivers one control request and reports failure, unlike
// the registry's fire-and-forget requests.
func sendControl(cmd *cobra.Command, name, method, path, done string) error {
	if err := instance.ValidateName(name); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := &control.Client{Logger: logger}
	resp, err := client.Do(ctx, cfg.Paths().Instance(name).ControlSocket, method, path)
	if err != nil {
		return fmt.Errorf("%s is not reachable (is it running?): %w", name, err)
	}
	if !strings.Contains(resp, "200") {
		return fmt.Errorf("%s rejected %s: %s", name, path, firstLine(resp))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s for %s\n", done, name)
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return strings.TrimSpace(line)
}
