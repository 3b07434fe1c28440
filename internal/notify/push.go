package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/companionhq/companion/internal/metrics"
)

const (
	// previewLimit caps the notification body shown on a device.
	previewLimit = 200

	gatewayTimeout = 10 * time.Second
)

// Payload is what a device receives.
type Payload struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Gateway delivers a payload to one push token. Implementations carry
// their own transport; no retries are performed here, the escalation
// deadline enforces at-most-once.
type Gateway interface {
	Name() string
	Send(ctx context.Context, token string, payload Payload) error
}

// Outcome is the per-device result of a batch send.
type Outcome struct {
	DeviceID string `json:"deviceId"`
	Gateway  string `json:"gateway"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

// Sender fans a payload out to every registered device through the
// gateway matching its token kind.
type Sender struct {
	store    *Store
	gateways map[string]Gateway
	timeout  time.Duration
	log      *slog.Logger
}

// NewSender returns a Sender over the given gateways, keyed by the
// device kinds they serve.
func NewSender(store *Store, gateways ...Gateway) *Sender {
	m := make(map[string]Gateway, len(gateways))
	for _, g := range gateways {
		m[g.Name()] = g
	}
	return &Sender{
		store:    store,
		gateways: m,
		timeout:  gatewayTimeout,
		log:      slog.Default().With("component", "push"),
	}
}

// TruncatePreview clips s to the preview limit, appending an ellipsis
// on overflow.
func TruncatePreview(s string) string {
	runes := []rune(s)
	if len(runes) <= previewLimit {
		return s
	}
	return string(runes[:previewLimit]) + "…"
}

// SendToAllDevices delivers payload to every registered device and
// returns per-device outcomes. A failing device never aborts the batch.
func (s *Sender) SendToAllDevices(ctx context.Context, payload Payload) []Outcome {
	payload.Body = TruncatePreview(payload.Body)

	devices := s.store.Devices()
	outcomes := make([]Outcome, 0, len(devices))
	for _, d := range devices {
		out := Outcome{DeviceID: d.ID, Gateway: d.Kind}
		gw, ok := s.gateways[d.Kind]
		if !ok {
			out.Error = fmt.Sprintf("no gateway for token kind %q", d.Kind)
			metrics.PushesSentTotal.WithLabelValues(d.Kind, "failure").Inc()
			outcomes = append(outcomes, out)
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err := gw.Send(sendCtx, d.Token, payload)
		cancel()
		if err != nil {
			out.Error = err.Error()
			metrics.PushesSentTotal.WithLabelValues(d.Kind, "failure").Inc()
			s.log.Warn("push failed", "device", d.ID, "gateway", d.Kind, "error", err)
		} else {
			out.OK = true
			metrics.PushesSentTotal.WithLabelValues(d.Kind, "success").Inc()
		}
		outcomes = append(outcomes, out)
	}
	return outcomes
}
