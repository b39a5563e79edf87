package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Manage full pipeline runs",
}

var (
	pipelineSymbol    string
	pipelineStart     string
	pipelineEnd       string
	pipelineInterval  string
	pipelineTemplate  string
	pipelineWorkflow  string
	pipelineOverrides string
)

var pipelineCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a pipeline run from download through evaluation",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pipelineSymbol == "" || pipelineStart == "" || pipelineEnd == "" {
			return errors.New("--symbol, --start and --end are required")
		}
		var overrides map[string]any
		if pipelineOverrides != "" {
			data, err := os.ReadFile(pipelineOverrides)
			if err != nil {
				return fmt.Errorf("read overrides file: %w", err)
			}
			if err := yaml.Unmarshal(data, &overrides); err != nil {
				return fmt.Errorf("parse overrides file: %w", err)
			}
		}
		raw, err := newClient().post("/pipeline-runs", map[string]any{
			"workflow_name":    pipelineWorkflow,
			"template_id":      pipelineTemplate,
			"symbol":           pipelineSymbol,
			"start_date":       pipelineStart,
			"end_date":         pipelineEnd,
			"interval":         pipelineInterval,
			"config_overrides": overrides,
		})
		if err != nil {
			return err
		}
		return printJSON(raw)
	},
}

func init() {
	pipelineCreateCmd.Flags().StringVar(&pipelineSymbol, "symbol", "", "trading symbol, e.g. BTCUSDT")
	pipelineCreateCmd.Flags().StringVar(&pipelineStart, "start", "", "start date, YYYY-MM-DD")
	pipelineCreateCmd.Flags().StringVar(&pipelineEnd, "end", "", "end date, YYYY-MM-DD")
	pipelineCreateCmd.Flags().StringVar(&pipelineInterval, "interval", "30m", "bar interval")
	pipelineCreateCmd.Flags().StringVar(&pipelineTemplate, "template", "", "pipeline template id, defaults to the default template")
	pipelineCreateCmd.Flags().StringVar(&pipelineWorkflow, "workflow", "default", "workflow name")
	pipelineCreateCmd.Flags().StringVar(&pipelineOverrides, "overrides", "", "path to a YAML file with config overrides")

	pipelineCmd.AddCommand(pipelineCreateCmd)
}
