package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/javanstorm/bubbles/internal/image"
	"github.com/javanstorm/bubbles/internal/instance"
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new bubble from the template image",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

func runCreate(cmd *cobra.Command, args []string) error {
	name := args[0]
	if err := instance.ValidateName(name); err != nil {
		return err
	}

	tpl := cfg.Paths().Template(cfg.TemplateName)
	if image.Probe(tpl) != image.StatusPresent {
		return fmt.Errorf("template image %s is not present; run 'bubbles image pull' first", cfg.TemplateName)
	}

	paths := cfg.Paths()
	if err := paths.EnsureDirectories(); err != nil {
		return fmt.Errorf("create data directories: %w", err)
	}

	// A new name shifts the CIDs of every VM sorted after it.
	unlockList, err := lockFile(paths.VMListLock(), unix.LOCK_EX)
	if errors.Is(err, errLocked) {
		return errors.New("cannot create a bubble while bubbles are running; stop them first")
	}
	if err != nil {
		return fmt.Errorf("lock vm list: %w", err)
	}
	defer unlockList()

	names, err := instance.List(paths.VMsDir())
	if err != nil {
		return err
	}
	if live := liveVMs(names, func(n string) string { return paths.Instance(n).PIDFile }); len(live) > 0 {
		return fmt.Errorf("cannot create a bubble while %s running; stop them first", strings.Join(live, ", "))
	}

	if err := instance.NewProvisioner(cfg, logger).Create(context.Background(), name); err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", name)
	return nil
}
