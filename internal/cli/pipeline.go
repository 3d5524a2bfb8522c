package cli

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/forgepipe/conductor/internal/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Drive pipeline runs against a running conductor server",
}

var pipelineRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Submit a new pipeline run",
	RunE: func(cmd *cobra.Command, args []string) error {
		branch, _ := cmd.Flags().GetString("branch")
		worktree, _ := cmd.Flags().GetString("worktree")
		tier, _ := cmd.Flags().GetString("tier")
		requestID, _ := cmd.Flags().GetString("request-id")
		if branch == "" || worktree == "" {
			return fmt.Errorf("--branch and --worktree are required")
		}
		if requestID == "" {
			requestID = uuid.NewString()
		}

		req := pipeline.PipelineRequest{
			RequestID:    requestID,
			Branch:       branch,
			WorktreePath: worktree,
		}
		if tier != "" {
			req.Config.Tier = tier
		}

		var state pipeline.PipelineState
		if err := apiCall(cmd, "POST", "/pipeline/run", req, &state); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Pipeline accepted\n")
		fmt.Fprintf(w, "  RequestID: %s\n", state.RequestID)
		fmt.Fprintf(w, "  Branch:    %s\n", state.Branch)
		fmt.Fprintf(w, "  Status:    %s\n", state.Status)
		return nil
	},
}

var pipelineStopCmd = &cobra.Command{
	Use:   "stop <request-id>",
	Short: "Cancel an in-flight pipeline run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiCall(cmd, "POST", "/pipeline/stop/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pipeline %s: stopping\n", args[0])
		return nil
	},
}

var pipelineStatusCmd = &cobra.Command{
	Use:   "status <request-id>",
	Short: "Show a pipeline run's current status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var state pipeline.PipelineState
		if err := apiCall(cmd, "GET", "/pipeline/status/"+args[0], nil, &state); err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(state, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Pipeline %s\n", state.RequestID)
		fmt.Fprintf(w, "  Branch: %s\n", state.Branch)
		fmt.Fprintf(w, "  Tier:   %s\n", state.Tier)
		fmt.Fprintf(w, "  Status: %s\n", state.Status)
		if len(state.CorrectionsApplied) > 0 {
			fmt.Fprintf(w, "  Corrections: %v\n", state.CorrectionsApplied)
		}
		return nil
	},
}

func init() {
	pipelineCmd.AddCommand(pipelineRunCmd)
	pipelineCmd.AddCommand(pipelineStopCmd)
	pipelineCmd.AddCommand(pipelineStatusCmd)

	pipelineRunCmd.Flags().String("branch", "", "Branch to run the pipeline against")
	pipelineRunCmd.Flags().String("worktree", "", "Worktree path the pipeline operates in")
	pipelineRunCmd.Flags().String("tier", "", "Explicit tier override (small, medium, large)")
	pipelineRunCmd.Flags().String("request-id", "", "Request id (generated if omitted)")
	pipelineStatusCmd.Flags().String("format", "text", "Output format: text or json")
}
