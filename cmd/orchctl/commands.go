package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/Enoch-015/kali-personal-assistant-sub000/internal/http"
	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

// newSubmitCmd builds "submit" (inline) or "enqueue" (queued).
func newSubmitCmd(queued bool) *cobra.Command {
	var flags taskFlags
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Run a task inline and wait for the result",
		Long: `Run a task inline. The command returns once the run is terminal.

Examples:
  # Send through the demo plugin
  orchctl submit --intent "share release notes" --to a@example.com

  # Email with a template
  orchctl submit --channel email --intent "weekly digest" --to a@example.com \
    --template "Subject: Digest\nHi {name}" --var name=Ada

  # Read the request from a file
  orchctl submit -f request.json`,
		Args: cobra.NoArgs,
	}
	path := "/api/v1/runs"
	if queued {
		cmd.Use = "enqueue"
		cmd.Short = "Queue a task and print its run id"
		cmd.Long = `Queue a task for asynchronous execution by the daemon's workers.

Examples:
  orchctl enqueue --channel whatsapp --intent "broadcast outage notice" --to +15550001111
  orchctl enqueue -f request.json && orchctl watch <run-id>`
		path = "/api/v1/runs/async"
	}
	flags.register(cmd)

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		req, err := flags.request(cmd.InOrStdin())
		if err != nil {
			return err
		}
		timeout := 5 * time.Minute
		if queued {
			timeout = 30 * time.Second
		}
		var resp httpapi.RunResponse
		raw, err := doJSON(http.MethodPost, serverURL+path, req, &resp, timeout)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			_, err := out.Write(append(raw, '\n'))
			return err
		}
		if queued {
			fmt.Fprintln(out, resp.RunID)
			return nil
		}
		printRun(out, resp)
		return nil
	}
	return cmd
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the latest snapshot of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp httpapi.RunResponse
		raw, err := doJSON(http.MethodGet, serverURL+"/api/v1/runs/"+args[0], nil, &resp, 10*time.Second)
		if err != nil {
			return err
		}
		if outputJSON {
			_, err := cmd.OutOrStdout().Write(append(raw, '\n'))
			return err
		}
		printRun(cmd.OutOrStdout(), resp)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Stream status updates of a run until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url := serverURL + "/api/v1/runs/" + args[0] + "/events"
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return statusError(resp)
		}
		return streamStatus(resp.Body, cmd.OutOrStdout())
	},
}

// streamStatus prints one line per status event.
func streamStatus(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if outputJSON {
			fmt.Fprintln(w, data)
			continue
		}
		msg, err := orchestrator.DecodeStatus([]byte(data))
		if err != nil {
			return err
		}
		line := fmt.Sprintf("%s  %-9s", msg.PublishedAt.Local().Format(time.TimeOnly), msg.Status)
		if msg.Stage != "" {
			line += "  stage=" + string(msg.Stage)
		}
		if msg.State != nil && msg.State.Outcome != "" {
			line += "  outcome=" + msg.State.Outcome
		}
		fmt.Fprintln(w, line)
	}
	return scanner.Err()
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check orchestratord health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var resp httpapi.HealthResponse
		raw, err := doJSON(http.MethodGet, serverURL+"/health", nil, &resp, 5*time.Second)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			_, err := out.Write(append(raw, '\n'))
			return err
		}
		fmt.Fprintf(out, "Server Status: %s\n", resp.Status)
		for name, status := range resp.Checks {
			fmt.Fprintf(out, "  %s: %s\n", name, status)
		}
		return nil
	},
}

// doJSON sends body (if any) and decodes a 2xx response into out. It returns
// the raw response body.
func doJSON(method, url string, body, out any, timeout time.Duration) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(resp)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return bytes.TrimSpace(raw), nil
}

func statusError(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, err)
	}
	var apiErr httpapi.ErrorResponse
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		if len(apiErr.Fields) > 0 {
			return fmt.Errorf("server returned status %d: %s %v", resp.StatusCode, apiErr.Error, apiErr.Fields)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, apiErr.Error)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
