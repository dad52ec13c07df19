package orchestrator

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// DefaultChannel is used when a task names no channel.
	DefaultChannel = "demo"

	maxIntentLength = 4096
	maxRecipients   = 1000
)

var channelPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// NormalizeTask validates a task and returns its canonical form. A task that
// fails validation never enters the state machine.
func NormalizeTask(task Task) (Task, error) {
	var errs ValidationErrors

	out := task
	out.ID = strings.TrimSpace(task.ID)
	if out.ID == "" {
		out.ID = uuid.NewString()
	}

	out.Intent = strings.TrimSpace(task.Intent)
	switch {
	case out.Intent == "":
		errs = append(errs, &ValidationError{Field: "intent", Message: "required"})
	case utf8.RuneCountInString(out.Intent) > maxIntentLength:
		errs = append(errs, &ValidationError{Field: "intent", Message: "too long"})
	}

	out.Channel = strings.ToLower(strings.TrimSpace(task.Channel))
	if out.Channel == "" {
		out.Channel = DefaultChannel
	}
	if !channelPattern.MatchString(out.Channel) {
		errs = append(errs, &ValidationError{Field: "channel", Message: "must match " + channelPattern.String()})
	}

	if len(task.Audience.Recipients) > maxRecipients {
		errs = append(errs, &ValidationError{Field: "audience.recipients", Message: "too many recipients"})
	}
	var recipients []string
	seen := make(map[string]bool, len(task.Audience.Recipients))
	for _, r := range task.Audience.Recipients {
		r = strings.TrimSpace(r)
		if r == "" {
			errs = append(errs, &ValidationError{Field: "audience.recipients", Message: "empty recipient"})
			continue
		}
		if seen[r] {
			continue
		}
		seen[r] = true
		recipients = append(recipients, r)
	}
	out.Audience.Recipients = recipients
	out.Audience.SegmentID = strings.TrimSpace(task.Audience.SegmentID)

	if len(task.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(task.Metadata))
		for k, v := range task.Metadata {
			out.Metadata[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}

	if len(errs) > 0 {
		return Task{}, errs
	}
	return out, nil
}

// Targets returns the dispatch targets of a task.
func (t Task) Targets() []string {
	return t.Audience.Recipients
}

// HasAudience reports whether the task addresses explicit targets.
func (t Task) HasAudience() bool {
	return len(t.Audience.Recipients) > 0 || t.Audience.SegmentID != ""
}
