package hub

import "encoding/json"

// Frame is one inbound client message. A frame carrying a requestId
// expects exactly one response with the same requestId; frames without
// one are fire-and-forget.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Token     string          `json:"token,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Outbound is one server-to-client message. Responses echo the
// requestId; broadcasts omit it and carry the sessionId they concern.
type Outbound struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Success   bool   `json:"success"`
	Payload   any    `json:"payload,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

func response(f Frame, payload any) Outbound {
	return Outbound{Type: f.Type, RequestID: f.RequestID, Success: true, Payload: payload}
}

func errResponse(f Frame, err error) Outbound {
	return Outbound{Type: f.Type, RequestID: f.RequestID, Success: false, Error: err.Error()}
}

func broadcast(frameType, sessionID string, payload any) Outbound {
	return Outbound{Type: frameType, Success: true, SessionID: sessionID, Payload: payload}
}

// decodePayload unmarshals a frame payload into dst, tolerating an
// absent payload.
func decodePayload(f Frame, dst any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, dst)
}
