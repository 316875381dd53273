package node

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func Entrypoint(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Manage the lode node",
	}
	cmd.AddCommand(
		newStartCmd(v),
		newStatusCmd(v),
	)
	return cmd
}
