package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/marketmap/internal/model"
	"github.com/sells-group/marketmap/internal/orchestrator"
	"github.com/sells-group/marketmap/internal/trace"
)

var (
	analyzeNoGrounding bool
	analyzeSkipRepair  bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <query>",
	Short: "Build a market map for a query and print it as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPipeline()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		rec := trace.ZapRecorder{}

		opts := orchestrator.AnalyzeOptions{}
		if analyzeNoGrounding {
			grounding := false
			opts.UseTools = &grounding
		}

		payload, err := p.service.Analyze(ctx, strings.Join(args, " "), rec, opts)
		if err != nil {
			return eris.Wrap(err, "analyze")
		}

		if payload.Mode == model.ModeResults && !analyzeSkipRepair {
			p.repairer.Run(ctx, &payload, rec)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	},
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeNoGrounding, "no-grounding", false, "disable search grounding")
	analyzeCmd.Flags().BoolVar(&analyzeSkipRepair, "skip-repair", false, "skip the citation repair pass")
	rootCmd.AddCommand(analyzeCmd)
}
