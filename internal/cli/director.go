package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var directorCmd = &cobra.Command{
	Use:   "director",
	Short: "Director scheduling operations",
}

var directorRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one director dispatch cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall(cmd, "POST", "/director/run", nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Director cycle completed")
		return nil
	},
}

func init() {
	directorCmd.AddCommand(directorRunCmd)
}
