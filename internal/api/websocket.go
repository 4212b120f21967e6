package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lobby/internal/config"
	"lobby/internal/ws"
)

type WebSocketHandler struct {
	hub      *ws.Hub
	cfg      config.WebSocketConfig
	upgrader websocket.Upgrader
	budget   *preAuthBudget
}

func NewWebSocketHandler(hub *ws.Hub, cfg config.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		hub:    hub,
		cfg:    cfg,
		budget: newPreAuthBudget(cfg.MaxUnauthenticatedPerIP, cfg.MaxUnauthenticatedGlobal),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin allows same-machine development clients from loopback
// addresses unconditionally, plus whatever origins the operator configured.
func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if isLoopbackOrigin(origin) {
		return true
	}

	for _, allowed := range h.cfg.AllowedOrigins {
		if originMatchesAllowed(origin, allowed) {
			return true
		}
	}

	return false
}

func isLoopbackOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// originMatchesAllowed compares an Origin header value against a configured
// pattern, either an exact match or a single trailing-wildcard prefix like
// "app://*".
func originMatchesAllowed(origin, allowed string) bool {
	if allowed == origin {
		return true
	}
	if strings.HasSuffix(allowed, "*") {
		prefix := strings.TrimSuffix(allowed, "*")
		return strings.HasPrefix(origin, prefix)
	}
	return false
}

// preAuthBudget bounds how many unauthenticated (not yet IDENTIFY'd)
// connections may be held open at once, per IP and in aggregate, so a
// single client can't exhaust server resources before authenticating.
type preAuthBudget struct {
	mu       sync.Mutex
	perIP    int
	global   int
	byIP     map[string]int
	reserved int
}

func newPreAuthBudget(perIP, global int) *preAuthBudget {
	return &preAuthBudget{
		perIP:  perIP,
		global: global,
		byIP:   make(map[string]int),
	}
}

func (b *preAuthBudget) reserve(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reserved >= b.global {
		return false
	}
	if b.byIP[ip] >= b.perIP {
		return false
	}

	b.byIP[ip]++
	b.reserved++
	return true
}

func (b *preAuthBudget) releaseReservation(ip string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.byIP[ip] > 0 {
		b.byIP[ip]--
		if b.byIP[ip] == 0 {
			delete(b.byIP, ip)
		}
		b.reserved--
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}

func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !h.budget.reserve(ip) {
		http.Error(w, "too many unauthenticated connections", http.StatusTooManyRequests)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.budget.releaseReservation(ip)
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := ws.NewClient(h.hub, conn)

	client.SendHello()

	go client.WritePump()
	go client.ReadPump()

	timeout := h.cfg.UnauthenticatedTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	go func() {
		defer h.budget.releaseReservation(ip)

		deadline := time.Now().Add(timeout)
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for range ticker.C {
			if client.IsIdentified() {
				return
			}
			if time.Now().After(deadline) {
				slog.Info("client did not identify within timeout, closing")
				client.Close()
				return
			}
		}
	}()
}
