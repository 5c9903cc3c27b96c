package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/papapumpkin/pexship/internal/pex"
)

var versionsCmd = &cobra.Command{
	Use:   "python-versions",
	Short: "List the python versions bundles can target",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		writeVersions(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionsCmd)
}

func writeVersions(w io.Writer) {
	for _, v := range pex.SupportedVersions {
		suffix := ""
		if v.String() == pex.DefaultPythonVersion {
			suffix = " (default)"
		}
		fmt.Fprintf(w, "%s%s\n", v, suffix)
	}
}
