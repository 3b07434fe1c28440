package hub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/companionhq/companion/internal/certs"
	"github.com/companionhq/companion/internal/config"
	"github.com/companionhq/companion/internal/id"
)

const (
	// authTimeout is how long an accepted connection may stay
	// unauthenticated before it is dropped.
	authTimeout = 30 * time.Second

	writeTimeout    = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Serve runs one HTTP server per configured listener plus the optional
// metrics endpoint, blocking until ctx is cancelled.
func (h *Hub) Serve(ctx context.Context, certsDir string) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range h.cfg.Listeners {
		lst := h.cfg.Listeners[i]
		srv, err := h.listenerServer(lst, certsDir)
		if err != nil {
			return err
		}
		g.Go(func() error { return h.runServer(ctx, srv, lst.TLS != nil && lst.TLS.Enabled) })
	}

	if h.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: h.cfg.MetricsAddr, Handler: mux}
		g.Go(func() error { return h.runServer(ctx, srv, false) })
	}

	return g.Wait()
}

func (h *Hub) listenerServer(lst config.Listener, certsDir string) (*http.Server, error) {
	mux := http.NewServeMux()
	port := lst.Port
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		h.acceptConn(w, r, port)
	})

	srv := &http.Server{
		Addr:    net.JoinHostPort(lst.Host, fmt.Sprintf("%d", lst.Port)),
		Handler: mux,
	}

	if lst.TLS != nil && lst.TLS.Enabled {
		certPath, keyPath := lst.TLS.CertPath, lst.TLS.KeyPath
		if certPath == "" || keyPath == "" {
			var err error
			certPath, keyPath, err = certs.Ensure(certsDir)
			if err != nil {
				return nil, fmt.Errorf("listener %d: %w", lst.Port, err)
			}
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("listener %d: load cert: %w", lst.Port, err)
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	return srv, nil
}

func (h *Hub) runServer(ctx context.Context, srv *http.Server, useTLS bool) error {
	errc := make(chan error, 1)
	go func() {
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errc:
		return err
	}
}

// acceptConn upgrades one request and runs the connection until the
// client goes away or fails to authenticate in time.
func (h *Hub) acceptConn(w http.ResponseWriter, r *http.Request, port int) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Remote clients connect from app webviews with arbitrary
		// origins; the token is the auth boundary.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}

	client := newClient(id.New(), port)
	h.register(client)
	defer h.unregister(client)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, conn, client)

	client.enqueue(Outbound{Type: "connected", Success: true, Payload: map[string]any{"clientId": client.ID}})

	authTimer := time.AfterFunc(authTimeout, func() {
		if !client.Authenticated() {
			h.log.Info("closing unauthenticated client", "clientId", client.ID)
			conn.Close(websocket.StatusPolicyViolation, "authentication timeout")
		}
	})
	defer authTimer.Stop()

	h.readLoop(ctx, conn, client)
	conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) readLoop(ctx context.Context, conn *websocket.Conn, client *Client) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			client.enqueue(Outbound{Type: "error", Success: false, Error: "Invalid JSON message"})
			continue
		}
		client.enqueue(h.handleFrame(ctx, client, f))
	}
}

// writeLoop drains the client's queue onto the socket. It exits when
// the context ends; enqueue after that is a no-op on a closed client.
func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.kick:
		}
		for {
			out, ok := client.dequeue()
			if !ok {
				break
			}
			data, err := json.Marshal(out)
			if err != nil {
				h.log.Error("marshal outbound frame", "type", out.Type, "error", err)
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
