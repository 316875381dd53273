package main

import (
	"os"

	"github.com/lodetrace/lode-node/cmd/lode/keys"
	"github.com/lodetrace/lode-node/cmd/lode/node"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "lode",
		Short: "Lode provenance node",
	}

	rootCmd.PersistentFlags().String("data-dir", "", "data directory (default ~/.lode)")
	_ = v.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))

	rootCmd.PersistentFlags().StringP("key", "k", "", "key alias or public key hex")
	_ = v.BindPFlag("key", rootCmd.PersistentFlags().Lookup("key"))

	rootCmd.PersistentFlags().StringP("output", "o", "text", "output format (text, json, markdown)")
	_ = v.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))

	rootCmd.AddCommand(node.Entrypoint(v))
	rootCmd.AddCommand(keys.Entrypoint(v))
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newWhoamiCmd(v))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
