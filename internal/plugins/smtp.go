package plugins

import (
	"context"
	"errors"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/Enoch-015/kali-personal-assistant-sub000/internal/orchestrator"
)

const (
	// SMTPName is the name of the email plugin.
	SMTPName = "smtp-email"

	defaultFrom = "no-reply@kali.local"
)

// SMTPConfig configures the email plugin.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// DryRun builds the message without contacting the server.
	DryRun bool
}

// SendFunc delivers a prepared message. It matches smtp.SendMail.
type SendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// SMTP sends the rendered payload as a plain-text email.
type SMTP struct {
	cfg  SMTPConfig
	send SendFunc
}

// NewSMTP creates the email plugin. send may be nil to use smtp.SendMail.
func NewSMTP(cfg SMTPConfig, send SendFunc) (*SMTP, error) {
	if cfg.Host == "" && !cfg.DryRun {
		return nil, errors.New("smtp host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = defaultFrom
	}
	if send == nil {
		send = smtp.SendMail
	}
	return &SMTP{cfg: cfg, send: send}, nil
}

// Name implements orchestrator.Plugin.
func (s *SMTP) Name() string { return SMTPName }

// Execute sends one message to all targets. A delivery failure marks every
// recipient failed; the server accepts or rejects the message as a whole.
func (s *SMTP) Execute(ctx context.Context, req orchestrator.DispatchRequest) (*orchestrator.PluginResult, error) {
	if len(req.Targets) == 0 {
		return &orchestrator.PluginResult{
			PluginName: SMTPName,
			Metadata:   map[string]string{"validation_error": "at least one recipient is required"},
		}, nil
	}

	from := s.cfg.From
	if v := req.Task.Metadata["from_address"]; v != "" {
		from = v
	}
	subject, body := splitSubject(req.Payload, req.Task.Intent)
	msg := buildMessage(from, req.Targets, subject, body, req.IdempotencyKey)

	res := &orchestrator.PluginResult{
		PluginName: SMTPName,
		Metadata: map[string]string{
			"subject": subject,
			"from":    from,
			"dry_run": strconv.FormatBool(s.cfg.DryRun),
		},
	}
	if s.cfg.DryRun {
		res.Succeeded = append([]string(nil), req.Targets...)
		res.DispatchedCount = len(res.Succeeded)
		return res, nil
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	done := make(chan error, 1)
	go func() { done <- s.send(addr, auth, from, req.Targets, msg) }()

	select {
	case <-ctx.Done():
		return nil, orchestrator.Unavailable(SMTPName, "send", ctx.Err())
	case err := <-done:
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) {
				return nil, orchestrator.Unavailable(SMTPName, "send", err)
			}
			res.Failed = append([]string(nil), req.Targets...)
			res.Metadata["error"] = err.Error()
			return res, nil
		}
	}
	res.Succeeded = append([]string(nil), req.Targets...)
	res.DispatchedCount = len(res.Succeeded)
	return res, nil
}

// splitSubject takes a leading "Subject: ..." line as the subject.
func splitSubject(payload, intent string) (string, string) {
	if strings.HasPrefix(payload, "Subject:") {
		line, rest, _ := strings.Cut(payload, "\n")
		return strings.TrimSpace(strings.TrimPrefix(line, "Subject:")), strings.TrimLeft(rest, "\n")
	}
	subject := intent
	if r := []rune(subject); len(r) > 78 {
		subject = string(r[:78])
	}
	return subject, payload
}

func buildMessage(from string, to []string, subject, body, messageKey string) []byte {
	var b strings.Builder
	b.WriteString("From: " + sanitizeHeader(from) + "\r\n")
	b.WriteString("To: " + sanitizeHeader(strings.Join(to, ", ")) + "\r\n")
	b.WriteString("Subject: " + sanitizeHeader(subject) + "\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	if messageKey != "" {
		b.WriteString("Message-ID: <" + messageKey + "@orchestrator>\r\n")
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// sanitizeHeader strips CR and LF to prevent header injection.
func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}
