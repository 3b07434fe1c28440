package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFCMGatewayPostsPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	t.Setenv("COMPANION_PUSH_GATEWAY", srv.URL)

	gw := FCMGateway()
	err := gw.Send(context.Background(), "tok-1", Payload{
		Title: "demo",
		Body:  "hello",
		Data:  map[string]string{"sessionId": "s1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got["token"])
	assert.Equal(t, "demo", got["title"])
}

func TestFCMGatewayReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid registration token", http.StatusBadRequest)
	}))
	defer srv.Close()
	t.Setenv("COMPANION_PUSH_GATEWAY", srv.URL)

	err := FCMGateway().Send(context.Background(), "tok-1", Payload{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid registration token")
}
