package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/marketmap/internal/registry"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List generation-capable upstream models",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPipeline()
		if err != nil {
			return err
		}

		ids := p.registry.Models(cmd.Context())
		if len(ids) == 0 {
			fmt.Println("no models available (listing failed or empty); fallback chain:")
			for _, id := range registry.DefaultChain() {
				fmt.Println("  " + id)
			}
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
