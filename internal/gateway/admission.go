package gateway

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/spoilerchat/internal/metrics"
)

// Identity is the result of a connect-time identity check, spec.md
// §4.5's implicit connect step (the row above join-room in its event
// table).
type Identity struct {
	AccountID string
	Guest     bool
}

// Authenticator verifies an optional bearer token presented at WebSocket
// handshake time against the external auth collaborator spec.md §6
// names (AUTH_ISSUER_URL, an external collaborator this repo does not
// implement). Any failure — no token, an unreachable issuer, an invalid
// token — silently falls back to guest rather than rejecting the
// handshake: spec.md §4.5 lists no failure mode for connect ("never").
type Authenticator interface {
	Authenticate(ctx context.Context, bearerToken string) Identity
}

// GuestAuthenticator is the default Authenticator: every connect attempt
// falls back to guest immediately, matching spec.md's diagram note
// "(guest path joins AUTHED directly)". A real issuer integration would
// implement this same interface without touching the handshake call site
// in handleWebSocket.
type GuestAuthenticator struct{}

// Authenticate always reports a guest identity.
func (GuestAuthenticator) Authenticate(ctx context.Context, bearerToken string) Identity {
	return Identity{Guest: true}
}

// bearerToken extracts the optional auth token from a handshake request,
// spec.md §4.5's "auth token optional": the Authorization header takes
// precedence, falling back to a "token" query parameter for clients that
// can't set headers during a WebSocket handshake.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return r.URL.Query().Get("token")
}

// HandshakeLimiter gates WebSocket upgrade attempts, adapted from the
// teacher's ConnectionRateLimiter: a per-source-address limiter plus one
// global limiter, both backed by golang.org/x/time/rate. Spec's 10
// handshakes / 15 minutes per address maps to burst=10, refill=10/900s.
type HandshakeLimiter struct {
	mu     sync.RWMutex
	byAddr map[string]*addrEntry
	addrBurst int
	addrRate  rate.Limit
	ttl       time.Duration

	global *rate.Limiter

	logger zerolog.Logger
	m      *metrics.Metrics

	stop chan struct{}
}

type addrEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// HandshakeLimiterConfig configures NewHandshakeLimiter.
type HandshakeLimiterConfig struct {
	Burst       int
	Window      time.Duration
	GlobalBurst int
	GlobalRate  float64
	TTL         time.Duration
}

// NewHandshakeLimiter constructs a limiter and starts its stale-entry
// cleanup loop.
func NewHandshakeLimiter(cfg HandshakeLimiterConfig, logger zerolog.Logger, m *metrics.Metrics) *HandshakeLimiter {
	if cfg.TTL == 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	addrRate := rate.Limit(float64(cfg.Burst) / cfg.Window.Seconds())

	hl := &HandshakeLimiter{
		byAddr:    make(map[string]*addrEntry),
		addrBurst: cfg.Burst,
		addrRate:  addrRate,
		ttl:       cfg.TTL,
		global:    rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:    logger,
		m:         m,
		stop:      make(chan struct{}),
	}
	go hl.cleanupLoop()
	return hl
}

// Allow reports whether a handshake from addr may proceed.
func (hl *HandshakeLimiter) Allow(addr string) bool {
	if !hl.global.Allow() {
		hl.m.HandshakeRejected.WithLabelValues("global").Inc()
		return false
	}
	if !hl.addrLimiter(addr).Allow() {
		hl.m.HandshakeRejected.WithLabelValues("per_address").Inc()
		return false
	}
	return true
}

func (hl *HandshakeLimiter) addrLimiter(addr string) *rate.Limiter {
	hl.mu.RLock()
	entry, ok := hl.byAddr[addr]
	hl.mu.RUnlock()
	if ok {
		hl.mu.Lock()
		entry.lastAccess = time.Now()
		hl.mu.Unlock()
		return entry.limiter
	}

	hl.mu.Lock()
	defer hl.mu.Unlock()
	if entry, ok = hl.byAddr[addr]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}
	limiter := rate.NewLimiter(hl.addrRate, hl.addrBurst)
	hl.byAddr[addr] = &addrEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (hl *HandshakeLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hl.cleanup()
		case <-hl.stop:
			return
		}
	}
}

func (hl *HandshakeLimiter) cleanup() {
	cutoff := time.Now().Add(-hl.ttl)
	hl.mu.Lock()
	defer hl.mu.Unlock()
	for addr, entry := range hl.byAddr {
		if entry.lastAccess.Before(cutoff) {
			delete(hl.byAddr, addr)
		}
	}
}

// Stop halts the cleanup loop.
func (hl *HandshakeLimiter) Stop() { close(hl.stop) }

// sourceAddr extracts a client identifier for rate limiting, preferring
// X-Forwarded-For (first hop) when present, falling back to RemoteAddr.
func sourceAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

// CORSAllowed checks the request's Origin header against the configured
// allow-list. An empty Origin header (same-origin, non-browser clients)
// is always allowed.
func CORSAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// ResourceAdmitter gates new connections on sampled CPU usage, adapted
// from the teacher's ResourceGuard emergency brake, generalised from a
// trading-pressure safety valve to a chat-gateway one.
type ResourceAdmitter struct {
	latestCPU func() float64
	threshold float64
}

// NewResourceAdmitter builds an admitter that rejects new connections
// once latestCPU() exceeds thresholdPercent.
func NewResourceAdmitter(latestCPU func() float64, thresholdPercent float64) *ResourceAdmitter {
	return &ResourceAdmitter{latestCPU: latestCPU, threshold: thresholdPercent}
}

// Admit reports whether a new connection may be accepted right now.
func (ra *ResourceAdmitter) Admit() (ok bool, reason string) {
	cpu := ra.latestCPU()
	if cpu > ra.threshold {
		return false, "cpu_overload"
	}
	return true, ""
}
