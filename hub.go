package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"swarmview/mirror/internal/effectstream"
	"swarmview/mirror/internal/logging"
	"swarmview/mirror/internal/reconcile"
)

const (
	viewerWriteTimeout = 5 * time.Second
	viewerBuffer       = 256
)

// HubOptions configures the viewer hub.
type HubOptions struct {
	Broadcaster    *effectstream.Broadcaster
	Bootstrap      func() reconcile.Batch
	AllowedOrigins []string
	MaxViewers     int
	PingInterval   time.Duration
	Authenticator  viewerAuthenticator
	OnViewerChange func(count int)
	Logger         *logging.Logger
}

// Hub streams effect batches to browser viewers over websockets. Every
// viewer first receives a bootstrap batch and then only newer batches.
type Hub struct {
	broadcaster  *effectstream.Broadcaster
	bootstrap    func() reconcile.Batch
	upgrader     websocket.Upgrader
	maxViewers   int
	pingInterval time.Duration
	auth         viewerAuthenticator
	onChange     func(int)
	log          *logging.Logger
	started      time.Time

	mu      sync.Mutex
	viewers map[*viewer]struct{}
}

type viewer struct {
	conn *websocket.Conn
	name string
	addr string
}

// NewHub constructs a Hub.
func NewHub(opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	auth := opts.Authenticator
	if auth == nil {
		auth = allowAllAuthenticator{}
	}
	ping := opts.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	return &Hub{
		broadcaster: opts.Broadcaster,
		bootstrap:   opts.Bootstrap,
		upgrader: websocket.Upgrader{
			CheckOrigin: originChecker(opts.AllowedOrigins),
		},
		maxViewers:   opts.MaxViewers,
		pingInterval: ping,
		auth:         auth,
		onChange:     opts.OnViewerChange,
		log:          logger.With(logging.String("component", "hub")),
		started:      time.Now(),
		viewers:      make(map[*viewer]struct{}),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(strings.TrimRight(r.Header.Get("Origin"), "/"))
		if origin == "" {
			return true
		}
		if _, ok := set["*"]; ok {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ViewerCount returns the number of connected viewers.
func (h *Hub) ViewerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

// Uptime reports how long the hub has been serving.
func (h *Hub) Uptime() time.Duration {
	return time.Since(h.started)
}

func (h *Hub) add(v *viewer) bool {
	h.mu.Lock()
	if h.maxViewers > 0 && len(h.viewers) >= h.maxViewers {
		h.mu.Unlock()
		return false
	}
	h.viewers[v] = struct{}{}
	count := len(h.viewers)
	h.mu.Unlock()
	if h.onChange != nil {
		h.onChange(count)
	}
	return true
}

func (h *Hub) remove(v *viewer) {
	h.mu.Lock()
	delete(h.viewers, v)
	count := len(h.viewers)
	h.mu.Unlock()
	if h.onChange != nil {
		h.onChange(count)
	}
}

func (h *Hub) full() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxViewers > 0 && len(h.viewers) >= h.maxViewers
}

// ServeHTTP upgrades the request and streams batches until the viewer leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name, err := h.auth.Authenticate(r)
	if err != nil {
		h.log.Warn("viewer rejected", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if h.full() {
		http.Error(w, "viewer limit reached", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("viewer upgrade failed", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
		return
	}
	v := &viewer{conn: conn, name: name, addr: r.RemoteAddr}
	if !h.add(v) {
		h.closeWith(v, websocket.CloseTryAgainLater, "viewer limit reached")
		return
	}
	defer h.remove(v)
	h.serve(v)
}

func (h *Hub) serve(v *viewer) {
	logger := h.log.With(logging.String("remote_addr", v.addr), logging.String("viewer", v.name))

	//1.- Subscribe before taking the bootstrap so no batch falls in between.
	sub := h.broadcaster.Subscribe(viewerBuffer)
	defer sub.Cancel()
	boot := h.bootstrap()
	if err := h.write(v, boot); err != nil {
		logger.Warn("viewer bootstrap failed", logging.Error(err))
		v.conn.Close()
		return
	}
	logger.Info("viewer joined", logging.Uint64("bootstrap_sequence", boot.Sequence))

	//2.- Viewers are read-only; the reader only drains control frames.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := v.conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			logger.Info("viewer left")
			v.conn.Close()
			return
		case batch, ok := <-sub.C:
			if !ok {
				if sub.Lagged() {
					logger.Warn("viewer dropped for falling behind")
					h.closeWith(v, websocket.CloseTryAgainLater, "viewer fell behind")
				} else {
					h.closeWith(v, websocket.CloseGoingAway, "mirror shutting down")
				}
				return
			}
			if batch.Sequence <= boot.Sequence {
				continue
			}
			if err := h.write(v, batch); err != nil {
				logger.Warn("viewer write failed", logging.Error(err))
				v.conn.Close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(viewerWriteTimeout)
			if err := v.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logger.Warn("viewer ping failed", logging.Error(err))
				v.conn.Close()
				return
			}
		}
	}
}

func (h *Hub) write(v *viewer, batch reconcile.Batch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	_ = v.conn.SetWriteDeadline(time.Now().Add(viewerWriteTimeout))
	return v.conn.WriteMessage(websocket.TextMessage, payload)
}

func (h *Hub) closeWith(v *viewer, code int, reason string) {
	deadline := time.Now().Add(viewerWriteTimeout)
	_ = v.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	v.conn.Close()
}
