package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Manage workflow runs",
}

var (
	runCreateWorkflow string
	runCreateStep     string
	runCreateParams   string

	runListWorkflow string
	runListStatus   string
	runListLimit    int
	runListOffset   int
)

var runCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a single-step run and enqueue it",
	RunE: func(cmd *cobra.Command, args []string) error {
		if runCreateStep == "" {
			return errors.New("--step is required")
		}
		params := map[string]any{}
		if runCreateParams != "" {
			data, err := os.ReadFile(runCreateParams)
			if err != nil {
				return fmt.Errorf("read params file: %w", err)
			}
			if err := json.Unmarshal(data, &params); err != nil {
				return fmt.Errorf("parse params file: %w", err)
			}
		}
		raw, err := newClient().post("/runs", map[string]any{
			"workflow_name": runCreateWorkflow,
			"step_name":     runCreateStep,
			"params":        params,
		})
		if err != nil {
			return err
		}
		return printJSON(raw)
	},
}

var runGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a run and its steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().get("/runs/" + url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		return printJSON(raw)
	},
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if runListWorkflow != "" {
			q.Set("workflow_name", runListWorkflow)
		}
		if runListStatus != "" {
			q.Set("status", runListStatus)
		}
		q.Set("limit", strconv.Itoa(runListLimit))
		q.Set("offset", strconv.Itoa(runListOffset))
		raw, err := newClient().get("/runs?" + q.Encode())
		if err != nil {
			return err
		}
		return printJSON(raw)
	},
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Request cancellation of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().post("/runs/"+url.PathEscape(args[0])+"/cancel", nil)
		if err != nil {
			return err
		}
		return printJSON(raw)
	},
}

var runSummaryCmd = &cobra.Command{
	Use:   "summary <run-id>",
	Short: "Show the reportable artifacts of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().get("/runs/" + url.PathEscape(args[0]) + "/summary")
		if err != nil {
			return err
		}
		return printJSON(raw)
	},
}

func init() {
	runCreateCmd.Flags().StringVar(&runCreateWorkflow, "workflow", "default", "workflow name")
	runCreateCmd.Flags().StringVar(&runCreateStep, "step", "", "step name to run")
	runCreateCmd.Flags().StringVar(&runCreateParams, "params", "", "path to a JSON file with step params")

	runListCmd.Flags().StringVar(&runListWorkflow, "workflow", "", "filter by workflow name")
	runListCmd.Flags().StringVar(&runListStatus, "status", "", "filter by run status")
	runListCmd.Flags().IntVar(&runListLimit, "limit", 50, "maximum number of runs")
	runListCmd.Flags().IntVar(&runListOffset, "offset", 0, "offset into the result set")

	runsCmd.AddCommand(runCreateCmd)
	runsCmd.AddCommand(runGetCmd)
	runsCmd.AddCommand(runListCmd)
	runsCmd.AddCommand(runCancelCmd)
	runsCmd.AddCommand(runSummaryCmd)
}
