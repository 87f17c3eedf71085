package cmd

import (
	"fmt"

	"github.com/josephlewis42/tsh/core/shell"
	"github.com/spf13/cobra"
)

var builtinsCmd = &cobra.Command{
	Use:   "builtins",
	Short: "Show the builtin commands of the shell.",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, v := range shell.BuiltinNames() {
			fmt.Fprintln(cmd.OutOrStdout(), v)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(builtinsCmd)
}
