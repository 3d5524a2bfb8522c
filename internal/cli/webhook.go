package cli

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Webhook ingress utilities",
}

var webhookReplayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "Replay a captured GitHub webhook payload against a running server",
	Long: `Reads file as a raw webhook delivery body and POSTs it to the running
server's /webhooks/github route with the given X-GitHub-Event header,
exactly as the original delivery would have arrived. Useful for replaying
a delivery that failed before the server came up, or for exercising the
translation table locally.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventType, _ := cmd.Flags().GetString("event")
		if eventType == "" {
			return fmt.Errorf("--event is required (e.g. pull_request, check_suite)")
		}

		body, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}

		req, err := http.NewRequest(http.MethodPost, serverAddr(cmd)+"/webhooks/github", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-GitHub-Event", eventType)
		if secret, _ := cmd.Flags().GetString("secret"); secret != "" {
			req.Header.Set("X-Hub-Signature-256", signBody(secret, body))
		}

		client := &http.Client{Timeout: 30 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("POST /webhooks/github: %w", err)
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(resp.Body)
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", resp.Status, string(respBody))
		return nil
	},
}

func init() {
	webhookCmd.AddCommand(webhookReplayCmd)
	webhookReplayCmd.Flags().String("event", "", "X-GitHub-Event header value (pull_request, pull_request_review, check_suite)")
	webhookReplayCmd.Flags().String("secret", "", "Webhook secret to sign the replayed body with, if the server requires it")
}
