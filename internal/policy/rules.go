package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

// Rule is the declarative form of a directive.
type Rule struct {
	ID     string `yaml:"id"`
	Type   string `yaml:"type"`
	Scope  string `yaml:"scope"`
	Reason string `yaml:"reason"`
	Match  Match  `yaml:"match"`
}

// Match lists conditions that must all hold. An empty Match matches every task.
type Match struct {
	Channels       []string          `yaml:"channels"`
	IntentContains []string          `yaml:"intent_contains"`
	IntentRegex    string            `yaml:"intent_regex"`
	PayloadRegex   string            `yaml:"payload_regex"`
	Audience       []string          `yaml:"audience"`
	Metadata       map[string]string `yaml:"metadata"`
}

// Document is the top level of a directive file.
type Document struct {
	Version    string `yaml:"version"`
	Directives []Rule `yaml:"directives"`
}

// Compile validates rules and groups the resulting directives by scope.
func Compile(rules []Rule) (map[orchestrator.Scope][]orchestrator.Directive, error) {
	out := make(map[orchestrator.Scope][]orchestrator.Directive)
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("directive %d: id is required", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("directive %q: duplicate id", r.ID)
		}
		seen[r.ID] = true

		d, scope, err := r.compile()
		if err != nil {
			return nil, fmt.Errorf("directive %q: %w", r.ID, err)
		}
		out[scope] = append(out[scope], d)
	}
	return out, nil
}

func (r Rule) compile() (orchestrator.Directive, orchestrator.Scope, error) {
	var typ orchestrator.DirectiveType
	switch strings.ToLower(r.Type) {
	case "block":
		typ = orchestrator.DirectiveBlock
	case "notify", "":
		typ = orchestrator.DirectiveNotify
	default:
		return orchestrator.Directive{}, "", fmt.Errorf("unknown type %q", r.Type)
	}

	scope := orchestrator.ScopeGlobal
	if s := strings.ToLower(strings.TrimSpace(r.Scope)); s != "" && s != string(orchestrator.ScopeGlobal) {
		if !strings.HasPrefix(s, "channel:") {
			return orchestrator.Directive{}, "", fmt.Errorf("scope must be global or channel:<name>, got %q", r.Scope)
		}
		scope = orchestrator.Scope(s)
	}

	m, err := r.Match.compile()
	if err != nil {
		return orchestrator.Directive{}, "", err
	}
	return orchestrator.Directive{ID: r.ID, Type: typ, Matcher: m, Reason: r.Reason}, scope, nil
}

type matcher struct {
	channels map[string]bool
	contains []string
	intent   *regexp.Regexp
	payload  *regexp.Regexp
	audience []string
	metadata map[string]string
}

func (m Match) compile() (*matcher, error) {
	out := &matcher{metadata: m.Metadata}
	if len(m.Channels) > 0 {
		out.channels = make(map[string]bool, len(m.Channels))
		for _, c := range m.Channels {
			out.channels[strings.ToLower(c)] = true
		}
	}
	for _, s := range m.IntentContains {
		out.contains = append(out.contains, strings.ToLower(s))
	}
	var err error
	if m.IntentRegex != "" {
		if out.intent, err = regexp.Compile(m.IntentRegex); err != nil {
			return nil, fmt.Errorf("intent_regex: %w", err)
		}
	}
	if m.PayloadRegex != "" {
		if out.payload, err = regexp.Compile(m.PayloadRegex); err != nil {
			return nil, fmt.Errorf("payload_regex: %w", err)
		}
	}
	for _, p := range m.Audience {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("audience: invalid pattern %q", p)
		}
		out.audience = append(out.audience, strings.ToLower(p))
	}
	return out, nil
}

// Match implements orchestrator.Matcher.
func (m *matcher) Match(task orchestrator.Task) bool {
	if m.channels != nil && !m.channels[task.Channel] {
		return false
	}
	if len(m.contains) > 0 {
		intent := strings.ToLower(task.Intent)
		found := false
		for _, s := range m.contains {
			if strings.Contains(intent, s) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if m.intent != nil && !m.intent.MatchString(task.Intent) {
		return false
	}
	if m.payload != nil && !m.payload.MatchString(task.Payload.Body+"\n"+task.Payload.Template) {
		return false
	}
	if len(m.audience) > 0 && !m.anyRecipient(task.Audience.Recipients) {
		return false
	}
	for k, v := range m.metadata {
		if !strings.EqualFold(task.Metadata[strings.ToLower(k)], v) {
			return false
		}
	}
	return true
}

func (m *matcher) anyRecipient(recipients []string) bool {
	for _, r := range recipients {
		r = strings.ToLower(r)
		for _, p := range m.audience {
			if ok, _ := doublestar.Match(p, r); ok {
				return true
			}
		}
	}
	return false
}
