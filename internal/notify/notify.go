// Package notify sends email alerts when a turn stops to wait for a
// human. It listens on the event bus for open and expired input
// requests and mails the configured recipient a link to the turn, so
// approvals do not sit unnoticed until they time out.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/skaldhq/skald/internal/config"
	"github.com/skaldhq/skald/internal/events"
)

// sendTimeout bounds one SMTP delivery attempt.
const sendTimeout = 30 * time.Second

// Notifier turns bus events into outbound email.
type Notifier struct {
	cfg     config.EmailConfig
	baseURL string
	bus     *events.Bus
	logger  *slog.Logger

	// send is swappable for tests.
	send func(ctx context.Context, cfg config.EmailConfig, recipients []string, msg []byte) error
}

// New creates a Notifier. baseURL is the public server URL used to
// build transcript links in the mail body.
func New(cfg config.EmailConfig, baseURL string, bus *events.Bus, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:     cfg,
		baseURL: baseURL,
		bus:     bus,
		logger:  logger.With("component", "notify"),
		send:    sendMail,
	}
}

// Run consumes bus events until the context is cancelled. Send failures
// are logged and dropped; a broken mail server must not stall the
// agent.
func (n *Notifier) Run(ctx context.Context) {
	feed := n.bus.Subscribe(32)
	defer n.bus.Unsubscribe(feed)

	n.logger.Info("email notifications enabled", "to", n.cfg.To)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			n.handle(ctx, ev)
		}
	}
}

func (n *Notifier) handle(ctx context.Context, ev events.Event) {
	var subject, body string

	switch ev.Kind {
	case events.KindInputRequested:
		subject, body = n.inputRequestedMail(ev)
	case events.KindInputExpired:
		subject, body = n.inputExpiredMail(ev)
	default:
		return
	}

	msg, err := composeMessage(n.cfg.From, n.cfg.To, subject, body)
	if err != nil {
		n.logger.Error("compose notification failed", "kind", ev.Kind, "error", err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := n.send(sendCtx, n.cfg, []string{extractAddress(n.cfg.To)}, msg); err != nil {
		n.logger.Error("send notification failed", "kind", ev.Kind, "error", err)
		return
	}
	n.logger.Debug("notification sent", "kind", ev.Kind, "turn", ev.Data["turn_id"])
}

func (n *Notifier) inputRequestedMail(ev events.Event) (subject, body string) {
	question := stringField(ev.Data, "question")
	turnID := stringField(ev.Data, "turn_id")

	subject = "[Skald] Input needed: " + headline(question, 60)

	body = fmt.Sprintf(`The agent paused a turn to ask you something.

**%s**

Answer from the [turn transcript](%s/turns/%s) or over the API.`,
		question, n.baseURL, turnID)

	if exp := timeField(ev.Data, "expires_at"); !exp.IsZero() {
		body += fmt.Sprintf("\n\nThe request expires at %s; after that the turn times out.",
			exp.Local().Format("2006-01-02 15:04"))
	}
	return subject, body
}

func (n *Notifier) inputExpiredMail(ev events.Event) (subject, body string) {
	turnID := stringField(ev.Data, "turn_id")

	subject = "[Skald] Input request expired"
	body = fmt.Sprintf(`An input request was not answered in time and its turn timed out.

Nothing further was done. See the [turn transcript](%s/turns/%s) for what the agent wanted.`,
		n.baseURL, turnID)
	return subject, body
}

// headline shortens a question for the subject line.
func headline(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

func timeField(data map[string]any, key string) time.Time {
	switch v := data[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
