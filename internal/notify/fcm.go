package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// defaultGatewayURL is the hosted relay that holds the FCM server key
// so the daemon never needs Firebase credentials of its own.
const defaultGatewayURL = "https://push.companionhq.dev/v1/send"

// httpGateway posts payloads to an HTTPS push relay.
type httpGateway struct {
	name   string
	url    string
	client *http.Client
}

// FCMGateway returns the production FCM relay gateway. The relay URL
// can be overridden with COMPANION_PUSH_GATEWAY.
func FCMGateway() Gateway {
	url := os.Getenv("COMPANION_PUSH_GATEWAY")
	if url == "" {
		url = defaultGatewayURL
	}
	return &httpGateway{name: "fcm", url: url, client: &http.Client{}}
}

func (g *httpGateway) Name() string { return g.name }

func (g *httpGateway) Send(ctx context.Context, token string, payload Payload) error {
	body, err := json.Marshal(map[string]any{
		"token": token,
		"title": payload.Title,
		"body":  payload.Body,
		"data":  payload.Data,
	})
	if err != nil {
		return fmt.Errorf("marshal push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("push gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push gateway %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
