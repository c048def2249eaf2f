package gateway

import (
	"context"
	"time"
)

// runSweepers is a single goroutine carrying three independent periodic
// tasks, the teacher's one-ticker-per-concern idiom (collectMetrics,
// monitorMemory, sampleClientBuffers) generalised to multiple tickers
// multiplexed on one select rather than one goroutine apiece, since none
// of these does enough work to need its own.
func (s *Server) runSweepers() {
	defer s.wg.Done()

	idleTicker := time.NewTicker(s.cfg.IdleSweepInterval)
	defer idleTicker.Stop()
	expireTicker := time.NewTicker(s.cfg.IdleSweepInterval)
	defer expireTicker.Stop()
	purgeTicker := time.NewTicker(s.cfg.PurgeInterval)
	defer purgeTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-idleTicker.C:
			s.sweepIdleUsers()
		case <-expireTicker.C:
			s.expireDisconnectedSessions()
		case <-purgeTicker.C:
			s.purgeStale()
		}
	}
}

// sweepIdleUsers drops any socket whose live user has occupied a room
// longer than MaxRoomLifetime, emitting session-expired before the
// disconnect, per spec.md §4.5.
func (s *Server) sweepIdleUsers() {
	for _, exp := range s.registry.SweepExpired(s.cfg.MaxRoomLifetime) {
		v, ok := s.clients.Load(exp.SocketID)
		if !ok {
			continue
		}
		c := v.(*Client)
		s.writeFrame(c, Frame{Event: EventSessionExpired, Data: SessionExpiredEvent{Reason: "idle_timeout"}})
		s.disconnectClient(c, "idle_expired")
	}
}

func (s *Server) expireDisconnectedSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := s.store.ExpireDisconnectedSessions(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("expireDisconnectedSessions failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("count", n).Msg("expired disconnected sessions")
	}
}

func (s *Server) purgeStale() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	sessions, rooms, err := s.store.PurgeStale(ctx, s.cfg.PurgeMaxAgeDays)
	if err != nil {
		s.logger.Warn().Err(err).Msg("purgeStale failed")
		return
	}
	if sessions > 0 || rooms > 0 {
		s.logger.Info().Int64("sessions_deleted", sessions).Int64("rooms_deleted", rooms).Msg("purged stale data")
	}
}
