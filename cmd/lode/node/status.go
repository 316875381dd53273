package node

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lodetrace/lode-node/internal/cli"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newStatusCmd(v *viper.Viper) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := &http.Client{Timeout: 5 * time.Second}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, addr+"/v1/health", nil)
			if err != nil {
				return fmt.Errorf("build request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("reach node: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("node returned %s", resp.Status)
			}

			var body struct {
				Data struct {
					Status   string `json:"status"`
					Position uint64 `json:"position"`
				} `json:"data"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}

			out := cli.NewOutputFromViper(v)
			return out.KV("node-status").
				Set("Status", body.Data.Status).
				Set("Position", body.Data.Position).
				Set("Address", addr).
				Render()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8420", "node base URL")
	return cmd
}
