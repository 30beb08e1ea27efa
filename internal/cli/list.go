package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/javanstorm/bubbles/internal/instance"
	"github.com/javanstorm/bubbles/internal/vm"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List bubbles",
	Args:    cobra.NoArgs,
	RunE:    runList,
}

func runList(cmd *cobra.Command, args []string) error {
	paths := cfg.Paths()
	names, err := instance.List(paths.VMsDir())
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No bubbles. Create one with 'bubbles create <name>'.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCID\tSTATUS\tBOOTS\tCREATED")
	for i, name := range names {
		inst := paths.Instance(name)
		status := vm.StatusNotRunning.String()
		if running, pid := isVMRunning(inst.PIDFile); running {
			status = fmt.Sprintf("%s (pid %d)", vm.StatusRunning, pid)
		}

		created := "-"
		boots := 0
		if meta, err := instance.LoadMetadata(inst.Metadata); err == nil {
			if !meta.CreatedAt.IsZero() {
				created = meta.CreatedAt.Local().Format("2006-01-02 15:04")
			}
			boots = meta.BootCount
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n", name, vm.CID(i), status, boots, created)
	}
	return w.Flush()
}
