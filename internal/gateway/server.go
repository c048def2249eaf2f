// Package gateway is the Event Gateway (component E): WebSocket
// transport, admission control, the join/sync/send state machine, and
// the fan-out rule that hands messages to the delay queue or delivers
// them immediately. Adapted from the teacher's server.go (handleWebSocket,
// readPump/writePump, the single 100ms monitoring ticker idiom) onto the
// spoiler-free chat domain instead of the teacher's Kafka-fed trading
// feed.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/adred-codev/spoilerchat/internal/broker"
	"github.com/adred-codev/spoilerchat/internal/delayqueue"
	"github.com/adred-codev/spoilerchat/internal/metrics"
	"github.com/adred-codev/spoilerchat/internal/platform"
	"github.com/adred-codev/spoilerchat/internal/registry"
	"github.com/adred-codev/spoilerchat/internal/store"
)

// Config holds every gateway tunable, threaded in from internal/config.
type Config struct {
	Addr              string
	CORSOrigins       []string
	MaxConnections    int
	MaxRoomsInMemory  int
	MaxRoomLifetime   time.Duration
	IdleSweepInterval time.Duration
	PurgeMaxAgeDays   int
	PurgeInterval     time.Duration

	MessageBurst      int
	MessageRateWindow time.Duration

	HandshakeBurst  int
	HandshakeWindow time.Duration

	CPURejectThreshold float64
	MetricsInterval    time.Duration
}

// Server owns the HTTP listener, every live connection, and the
// components that give it room state, delay, and durability.
type Server struct {
	cfg    Config
	logger zerolog.Logger

	registry   *registry.Registry
	store      store.Store
	delayQueue *delayqueue.Queue
	metrics    *metrics.Metrics
	promReg    *prometheus.Registry
	monitor    *platform.Monitor
	broadcast  broker.Broadcaster

	handshakeLimiter *HandshakeLimiter
	resourceAdmitter *ResourceAdmitter
	authenticator    Authenticator
	msgLimiters      *messageRateLimiters
	connPool         *ConnectionPool
	connSem          chan struct{}

	clients     sync.Map // socketID -> *Client
	clientCount int64

	httpServer *http.Server

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32
}

// New wires every component together. store and broadcast may be swapped
// for test doubles; broadcast may be broker.NewLocal() in single-process
// deployments.
func New(cfg Config, logger zerolog.Logger, reg *registry.Registry, st store.Store, dq *delayqueue.Queue, m *metrics.Metrics, promReg *prometheus.Registry, mon *platform.Monitor, bc broker.Broadcaster) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		registry:    reg,
		store:       st,
		delayQueue:  dq,
		metrics:     m,
		promReg:     promReg,
		monitor:     mon,
		broadcast:   bc,
		connPool:    NewConnectionPool(),
		connSem:     make(chan struct{}, cfg.MaxConnections),
		msgLimiters: newMessageRateLimiters(cfg.MessageBurst, cfg.MessageRateWindow),
		ctx:         ctx,
		cancel:      cancel,
	}

	s.handshakeLimiter = NewHandshakeLimiter(HandshakeLimiterConfig{
		Burst:  cfg.HandshakeBurst,
		Window: cfg.HandshakeWindow,
	}, logger, m)

	s.resourceAdmitter = NewResourceAdmitter(func() float64 { return mon.Latest().CPUPercent }, cfg.CPURejectThreshold)
	s.authenticator = GuestAuthenticator{}

	return s
}

// SetAuthenticator swaps the connect-time identity check. Defaults to
// GuestAuthenticator; call this before Start to plug in a real
// AUTH_ISSUER_URL-backed implementation.
func (s *Server) SetAuthenticator(a Authenticator) { s.authenticator = a }

// Start begins serving HTTP/WebSocket traffic and every background loop
// (monitor, delay-queue dispatcher, sweepers). It does not block.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if s.promReg != nil {
		mux.Handle("/metrics", metrics.Handler(s.promReg))
	}

	s.httpServer = &http.Server{
		Addr:           s.cfg.Addr,
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http server accept loop error")
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.delayQueue.Run(s.ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitor.Run(s.ctx, s.cfg.MetricsInterval)
	}()

	s.wg.Add(1)
	go s.runSweepers()

	if s.broadcast != nil {
		if err := s.broadcast.Subscribe(s.onRemoteMessage); err != nil {
			s.logger.Warn().Err(err).Msg("broker subscribe failed, continuing single-process only")
		}
	}

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("gateway listening")
	return nil
}

// Shutdown implements spec.md §4.5's shutdown sequence: stop accepting
// new sockets, stop the delay-queue dispatcher (forfeiting pending
// entries), close every live socket with a clean reason, then close the
// store adapter.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}

	s.cancel()
	s.delayQueue.Shutdown()

	s.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		s.disconnectClient(c, "server_shutdown")
		return true
	})

	s.handshakeLimiter.Stop()
	if s.broadcast != nil {
		s.broadcast.Close()
	}
	s.wg.Wait()
	s.store.Close()
	return nil
}

func (s *Server) newSocketID() string {
	return fmt.Sprintf("sock_%s", uuid.NewString())
}

// onRemoteMessage fans a message accepted by another gateway process out
// to this process's locally-connected sockets for the same room, via the
// same fan-out rule send-message uses locally.
func (s *Server) onRemoteMessage(msg broker.AcceptedMessage) {
	rm := registry.Message{
		ID:              msg.MessageID,
		SenderSessionID: msg.SenderSessionID,
		SenderNickname:  msg.SenderNickname,
		Content:         msg.Content,
		ServerTimestamp: msg.ServerTimestamp,
	}
	s.fanOutMessage(msg.RoomCode, rm, "" /* no local sender socket to exempt */)
}
