package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/agentgov/internal/integrity"
)

const version = "0.1.0"

var versionHash bool

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionHash, "hash", false, "Include the SHA-256 of this binary (for the integrity checksum file)")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		info := map[string]string{
			"version": version,
			"name":    "agentgov",
		}
		if versionHash {
			h, err := integrity.HashSelf()
			if err != nil {
				return err
			}
			info["sha256"] = h
		}
		out, _ := json.MarshalIndent(info, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}
