package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	KindApprovalRequest = "approval_request"
	KindApproved        = "request_approved"
	KindRejected        = "request_rejected"
	KindEscalation      = "escalation"
)

const defaultWebhookTimeout = 5 * time.Second

// Message is a rendered notification ready for a transport.
type Message struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	RequestID string            `json:"request_id,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Sender delivers one message. Implementations return an error instead of
// panicking; the dispatcher decides whether to retry.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the log. It is the default for local setups.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(_ context.Context, msg Message) error {
	s.Log.Info().
		Str("notification_id", msg.ID).
		Str("kind", msg.Kind).
		Str("to", msg.To).
		Str("request_id", msg.RequestID).
		Str("subject", msg.Subject).
		Msg("notification: delivered to log")
	return nil
}

// WebhookSender posts messages as JSON to a mail relay.
type WebhookSender struct {
	URL    string
	Secret string
	Client *http.Client
}

func (s WebhookSender) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Opex-Kind", msg.Kind)
	req.Header.Set("X-Opex-Delivery", msg.ID)
	if strings.TrimSpace(s.Secret) != "" {
		req.Header.Set("X-Opex-Secret", s.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// NATSSender publishes messages on <prefix>.<kind> for the mail service.
type NATSSender struct {
	Conn   *nats.Conn
	Prefix string
}

// ConnectNATS dials the broker used by NATSSender.
func ConnectNATS(url, token string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("opex-notify"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.Timeout(5 * time.Second),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

func (s NATSSender) Subject(kind string) string {
	prefix := strings.TrimSuffix(s.Prefix, ".")
	if prefix == "" {
		prefix = "notifications.opex"
	}
	return prefix + "." + kind
}

func (s NATSSender) Send(ctx context.Context, msg Message) error {
	if s.Conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := s.Conn.Publish(s.Subject(msg.Kind), data); err != nil {
		return err
	}
	return s.Conn.FlushWithContext(ctx)
}
