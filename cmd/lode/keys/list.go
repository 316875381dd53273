package keys

import (
	"fmt"
	"strings"

	"github.com/lodetrace/lode-node/internal/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			kr := openKeyring(v)

			infos, err := kr.List(ctx)
			if err != nil {
				return fmt.Errorf("list keys: %w", err)
			}

			if len(infos) == 0 {
				fmt.Println("No keys found. Create one with: lode keys generate")
				return nil
			}

			out := cli.NewOutputFromViper(v)
			tbl := out.Table("keys", "Address", "Aliases", "Default")
			for _, info := range infos {
				aliases := strings.Join(info.Aliases, ", ")
				if aliases == "" {
					aliases = "-"
				}
				def := ""
				if info.IsDefault {
					def = "*"
				}
				tbl.AddRow(info.Address, aliases, def)
			}
			return tbl.Render()
		},
	}
}
