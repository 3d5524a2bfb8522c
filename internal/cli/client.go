package cli

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// signBody computes the X-Hub-Signature-256 value GitHub would send for
// body under secret, for replaying a delivery against a server that
// validates signatures.
func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// serverAddr resolves the running conductor server's base URL: the --addr
// flag, else $CONDUCTOR_ADDR, else the local default.
func serverAddr(cmd *cobra.Command) string {
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		return addr
	}
	if addr := os.Getenv("CONDUCTOR_ADDR"); addr != "" {
		return addr
	}
	return "http://localhost:8080"
}

// apiCall issues an HTTP request against the conductor server and decodes
// a JSON response into out (nil to discard the body). A non-2xx status is
// returned as an error carrying the response body.
func apiCall(cmd *cobra.Command, method, path string, body any, out any) error {
	addr := serverAddr(cmd)

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, addr+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(data))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
