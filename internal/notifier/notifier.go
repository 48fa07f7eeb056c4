// Package notifier implements the notification gateway used by the
// orchestration engines: template rendering plus asynchronous fan-out to
// the configured delivery channels.
package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/responder/pkg/config"
	"github.com/sentinelops/responder/pkg/logger"
	"github.com/sentinelops/responder/pkg/resilience"
)

// Gateway renders a template and delivers it to the recipients' channels.
// Delivery is asynchronous; the returned id identifies the notification,
// not a delivery receipt.
type Gateway interface {
	Send(ctx context.Context, templateID string, recipients []string, variables map[string]any, metadata map[string]string) (string, error)
}

// Notification is one rendered notification.
type Notification struct {
	ID         string            `json:"id"`
	TemplateID string            `json:"template_id"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Recipients []string          `json:"recipients"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// templates maps template ids to subject/body patterns. {{name}} tokens
// are substituted from the caller's variables.
var templates = map[string]struct{ subject, body string }{
	"escalation_notice": {
		subject: "Case {{case_id}} escalated to level {{level}}",
		body:    "Case {{case_id}} reached escalation level {{level}} under policy {{policy}}. Assignee: {{assignee}}.",
	},
	"sla_breach": {
		subject: "SLA breached on case {{case_id}}",
		body:    "Case {{case_id}} has breached its SLA. Priority: {{priority}}.",
	},
	"playbook_completed": {
		subject: "Playbook {{playbook}} completed",
		body:    "Playbook {{playbook}} finished with status {{status}} for case {{case_id}}.",
	},
	"workflow_notice": {
		subject: "Workflow update for {{entity_id}}",
		body:    "Workflow {{workflow}} moved {{entity_id}} to state {{state}}.",
	},
	"daily_summary": {
		subject: "Daily incident-response summary",
		body:    "Open cases: {{open_cases}}. Escalations fired: {{escalations}}. Playbook runs: {{playbook_runs}}.",
	},
	"generic": {
		subject: "{{subject}}",
		body:    "{{message}}",
	},
}

// Service is the multichannel Gateway implementation.
type Service struct {
	cfg      config.NotificationConfig
	log      *logger.Logger
	client   *http.Client
	breakers *resilience.Registry

	// sendMail is swapped in tests.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New creates the notification service.
func New(cfg config.NotificationConfig, log *logger.Logger) *Service {
	s := &Service{
		cfg: cfg,
		log: log.WithComponent("notifier"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		sendMail: smtp.SendMail,
	}
	s.breakers = resilience.NewRegistry(&resilience.BreakerConfig{
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 2,
		OnStateChange: func(name string, from, to resilience.State) {
			s.log.Warn("delivery channel breaker state changed",
				"channel", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return s
}

// ChannelMetrics reports per-channel breaker metrics.
func (s *Service) ChannelMetrics() []resilience.BreakerMetrics {
	return s.breakers.AllMetrics()
}

// Send renders the template and fans delivery out to every enabled
// channel. Unknown template ids fall back to the generic template.
// Channel failures are logged per channel and never propagate.
func (s *Service) Send(ctx context.Context, templateID string, recipients []string, variables map[string]any, metadata map[string]string) (string, error) {
	tpl, ok := templates[templateID]
	if !ok {
		s.log.Warn("unknown notification template, using generic", "template_id", templateID)
		tpl = templates["generic"]
	}

	n := &Notification{
		ID:         uuid.New().String(),
		TemplateID: templateID,
		Subject:    render(tpl.subject, variables),
		Body:       render(tpl.body, variables),
		Recipients: recipients,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
	}

	go s.deliver(context.WithoutCancel(ctx), n)

	return n.ID, nil
}

// deliver pushes the notification to each enabled channel, recording
// failures without aborting the remaining channels.
func (s *Service) deliver(ctx context.Context, n *Notification) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context, *Notification) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// A channel whose endpoint keeps failing is skipped until
			// its breaker lets test traffic through again.
			err := s.breakers.Get(name).Do(ctx, func(ctx context.Context) error {
				return fn(ctx, n)
			})
			if err != nil {
				s.log.Error("notification delivery failed",
					"channel", name,
					"notification_id", n.ID,
					"template_id", n.TemplateID,
					"error", err,
				)
			}
		}()
	}

	if s.cfg.SlackEnabled {
		run("slack", s.sendSlack)
	}
	if s.cfg.EmailEnabled {
		run("email", s.sendEmail)
	}
	if s.cfg.WebhookEnabled {
		run("webhook", s.sendWebhook)
	}
	if s.cfg.PagingEnabled {
		run("paging", s.sendPage)
	}

	wg.Wait()

	s.log.Debug("notification delivered",
		"notification_id", n.ID,
		"template_id", n.TemplateID,
		"recipients", len(n.Recipients),
	)
}

func (s *Service) sendSlack(ctx context.Context, n *Notification) error {
	if s.cfg.SlackWebhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}

	message := map[string]any{
		"channel":  s.cfg.SlackChannel,
		"username": "Responder",
		"attachments": []map[string]any{
			{
				"title":  n.Subject,
				"text":   n.Body,
				"footer": "responder",
				"ts":     n.CreatedAt.Unix(),
			},
		},
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.SlackWebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Service) sendEmail(_ context.Context, n *Notification) error {
	if s.cfg.SMTPHost == "" {
		return fmt.Errorf("smtp host not configured")
	}

	to := n.Recipients
	if len(to) == 0 {
		to = s.cfg.EmailRecipients
	}
	if len(to) == 0 {
		return fmt.Errorf("no email recipients")
	}

	var auth smtp.Auth
	if s.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUser, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		s.cfg.EmailFrom, strings.Join(to, ", "), n.Subject, n.Body)

	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)
	return s.sendMail(addr, auth, s.cfg.EmailFrom, to, []byte(msg))
}

func (s *Service) sendWebhook(ctx context.Context, n *Notification) error {
	if s.cfg.WebhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	// Sign the payload so receivers can verify origin.
	if s.cfg.WebhookSecret != "" {
		mac := hmac.New(sha256.New, []byte(s.cfg.WebhookSecret))
		mac.Write(payload)
		req.Header.Set("X-Responder-Signature", hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (s *Service) sendPage(ctx context.Context, n *Notification) error {
	if s.cfg.PagingURL == "" {
		return fmt.Errorf("paging URL not configured")
	}

	body := map[string]any{
		"routing_key": s.cfg.PagingKey,
		"summary":     n.Subject,
		"details":     n.Body,
		"recipients":  n.Recipients,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.PagingURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("paging endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// render substitutes {{name}} tokens with the corresponding variable.
func render(pattern string, variables map[string]any) string {
	out := pattern
	for k, v := range variables {
		out = strings.ReplaceAll(out, "{{"+k+"}}", fmt.Sprintf("%v", v))
	}
	return out
}

// Recorder is a Gateway test double that captures every send.
type Recorder struct {
	mu    sync.Mutex
	sends []Notification

	// Err, when set, is returned from Send.
	Err error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Send records the notification.
func (r *Recorder) Send(_ context.Context, templateID string, recipients []string, variables map[string]any, metadata map[string]string) (string, error) {
	if r.Err != nil {
		return "", r.Err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}

	n := Notification{
		ID:         uuid.New().String(),
		TemplateID: templateID,
		Recipients: recipients,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
		Body:       fmt.Sprintf("%v", vars),
	}
	r.sends = append(r.sends, n)
	return n.ID, nil
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.sends))
	copy(out, r.sends)
	return out
}

// SentTo returns how many recorded notifications used the template.
func (r *Recorder) SentTo(templateID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, n := range r.sends {
		if n.TemplateID == templateID {
			count++
		}
	}
	return count
}
