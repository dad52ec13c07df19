package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	httpapi "github.com/Enoch-015/kali-personal-assistant-sub000/internal/http"
)

// taskFlags collects the task fields accepted on the command line.
type taskFlags struct {
	file       string
	intent     string
	channel    string
	recipients []string
	segment    string
	subject    string
	body       string
	template   string
	vars       []string
	metadata   []string
	hints      []string
}

func (f *taskFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.file, "file", "f", "", "Read the request as JSON from a file (- for stdin)")
	fl.StringVar(&f.intent, "intent", "", "What the run should do")
	fl.StringVar(&f.channel, "channel", "", "Delivery channel (demo, whatsapp, email, webhook)")
	fl.StringSliceVar(&f.recipients, "to", nil, "Recipient (repeatable)")
	fl.StringVar(&f.segment, "segment", "", "Audience segment id")
	fl.StringVar(&f.subject, "subject", "", "Message subject")
	fl.StringVar(&f.body, "body", "", "Message body")
	fl.StringVar(&f.template, "template", "", "Payload template, e.g. \"Hi {name}\"")
	fl.StringArrayVar(&f.vars, "var", nil, "Template variable key=value (repeatable)")
	fl.StringArrayVar(&f.metadata, "meta", nil, "Task metadata key=value (repeatable)")
	fl.StringArrayVar(&f.hints, "hint", nil, "Routing hint key=value (repeatable)")
}

// request builds the API request. Flags override fields read from --file.
func (f *taskFlags) request(stdin io.Reader) (httpapi.RunRequest, error) {
	var req httpapi.RunRequest
	if f.file != "" {
		var (
			data []byte
			err  error
		)
		if f.file == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(f.file)
		}
		if err != nil {
			return req, fmt.Errorf("failed to read request: %w", err)
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("invalid request JSON: %w", err)
		}
	}

	t := &req.Task
	setIf(&t.Intent, f.intent)
	setIf(&t.Channel, f.channel)
	if len(f.recipients) > 0 {
		t.Audience.Recipients = f.recipients
	}
	setIf(&t.Audience.SegmentID, f.segment)
	setIf(&t.Payload.Subject, f.subject)
	setIf(&t.Payload.Body, f.body)
	setIf(&t.Payload.Template, f.template)

	var err error
	if t.Payload.Variables, err = mergePairs(t.Payload.Variables, f.vars); err != nil {
		return req, err
	}
	if t.Metadata, err = mergePairs(t.Metadata, f.metadata); err != nil {
		return req, err
	}
	if req.Hints, err = mergePairs(req.Hints, f.hints); err != nil {
		return req, err
	}

	if strings.TrimSpace(t.Intent) == "" {
		return req, fmt.Errorf("an intent is required (--intent or --file)")
	}
	return req, nil
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergePairs(dst map[string]string, pairs []string) (map[string]string, error) {
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return dst, fmt.Errorf("expected key=value, got %q", p)
		}
		if dst == nil {
			dst = make(map[string]string)
		}
		dst[strings.TrimSpace(k)] = v
	}
	return dst, nil
}

// printRun writes a human summary of a run.
func printRun(w io.Writer, resp httpapi.RunResponse) {
	fmt.Fprintf(w, "Run:      %s\n", resp.RunID)
	fmt.Fprintf(w, "Status:   %s\n", resp.Status)
	if resp.Outcome != "" {
		fmt.Fprintf(w, "Outcome:  %s\n", resp.Outcome)
	}
	if resp.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", resp.Error)
	}
	st := resp.State
	if st == nil {
		return
	}
	if st.SelectedWorkflow != "" {
		fmt.Fprintf(w, "Workflow: %s\n", st.SelectedWorkflow)
	}
	if st.SelectedPlugin != "" {
		fmt.Fprintf(w, "Plugin:   %s\n", st.SelectedPlugin)
	}
	if st.PluginResult != nil {
		fmt.Fprintf(w, "Dispatch: %d delivered, %d failed\n", len(st.PluginResult.Succeeded), len(st.PluginResult.Failed))
	}
	fmt.Fprintf(w, "Attempts: %d\n", st.RetryCount+1)
	if fb := st.ReviewFeedback; fb != nil && len(fb.Issues) > 0 {
		fmt.Fprintln(w, "Issues:")
		for _, issue := range fb.Issues {
			fmt.Fprintf(w, "  - [%s/%s] %s\n", issue.Category, issue.Severity, issue.Description)
		}
	}
	if len(st.WorkingNotes) > 0 {
		fmt.Fprintln(w, "Notes:")
		for _, note := range st.WorkingNotes {
			fmt.Fprintf(w, "  %s\n", note)
		}
	}
}
