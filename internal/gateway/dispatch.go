package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/adred-codev/spoilerchat/internal/broker"
	"github.com/adred-codev/spoilerchat/internal/clock"
	"github.com/adred-codev/spoilerchat/internal/registry"
	"github.com/adred-codev/spoilerchat/internal/store"
	"github.com/adred-codev/spoilerchat/internal/types"
)

// inboundFrame is the wire shape decoded before the event name picks a
// concrete Data type.
type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// handleFrame is the socket's event dispatcher, spec.md §4.5's state
// machine. Any panic here is recovered so one bad input never takes the
// connection down, per §7's propagation policy.
func (s *Server) handleFrame(c *Client, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("socket_id", c.ID).Msg("recovered panic in event handler")
			s.sendError(c, string(types.ErrInternal), "internal error")
		}
	}()

	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.sendError(c, string(types.ErrInternal), "malformed frame")
		return
	}

	switch frame.Event {
	case EventJoinRoom:
		var req JoinRoomRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			s.sendError(c, string(types.ErrInvalidRoomId), "malformed join-room body")
			return
		}
		s.handleJoinRoom(c, req)

	case EventSyncGameTime:
		if c.RoomCode == "" {
			s.sendError(c, string(types.ErrMustJoinFirst), "join a room before syncing")
			return
		}
		var req SyncGameTimeRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			s.sendError(c, string(types.ErrInvalidTime), "malformed sync-game-time body")
			return
		}
		s.handleSyncGameTime(c, req)

	case EventSendMessage:
		if c.RoomCode == "" {
			s.sendError(c, string(types.ErrMustJoinFirst), "join a room before sending a message")
			return
		}
		var req SendMessageRequest
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			s.sendError(c, string(types.ErrInvalidMessage), "malformed send-message body")
			return
		}
		s.handleSendMessage(c, req)

	default:
		s.sendError(c, string(types.ErrInternal), "unrecognised event")
	}
}

// handleJoinRoom implements spec.md §4.5's join-room success path and
// error taxonomy.
func (s *Server) handleJoinRoom(c *Client, req JoinRoomRequest) {
	roomCode, ok := ValidateRoomCode(req.RoomCode)
	if !ok {
		s.sendError(c, string(types.ErrInvalidRoomId), "invalid room code")
		return
	}
	nickname, ok := ValidateNickname(req.Nickname)
	if !ok {
		s.sendError(c, string(types.ErrInvalidNick), "invalid nickname")
		return
	}

	sport, err := s.resolveSport(roomCode, req.Sport)
	if err != nil {
		s.sendError(c, string(types.ErrInvalidSport), "invalid sport")
		return
	}

	if _, exists := s.registry.Info(roomCode); !exists && s.cfg.MaxRoomsInMemory > 0 && s.registry.RoomCount() >= s.cfg.MaxRoomsInMemory {
		s.sendError(c, string(types.ErrStoreFailure), "server at room capacity, please try again shortly")
		return
	}

	var meta store.Meta
	if req.RoomMeta != nil {
		meta = store.Meta{Name: req.RoomMeta.Name, Teams: req.RoomMeta.Teams, GameDate: req.RoomMeta.GameDate}
	}

	var clientSessionID *string
	if req.SessionID != "" {
		clientSessionID = &req.SessionID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess, room, isReconnect, err := s.store.GetOrCreateSession(ctx, roomCode, nickname, clientSessionID, sport, meta)
	if err != nil {
		s.logger.Error().Err(err).Str("room_code", roomCode).Msg("getOrCreateSession failed, aborting join")
		s.sendError(c, string(types.ErrStoreFailure), "join failed, please retry")
		return
	}

	// The durable row's sport tag is first-write-wins, so it governs a room
	// that was dropped from memory and is being materialised again.
	if room.SportTag != "" {
		sport = room.SportTag
	}

	if err := s.store.ConnectSession(ctx, sess.ID, c.ID); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("connectSession failed")
	}

	recent, err := s.store.LoadRecentMessages(ctx, room.ID, registry.MessageCacheCap)
	if err != nil {
		s.logger.Warn().Err(err).Str("room_id", room.ID).Msg("loadRecentMessages failed, continuing with empty cache")
	}
	preloaded := make([]registry.Message, 0, len(recent))
	for _, m := range recent {
		senderSessionID := ""
		if m.SessionID != nil {
			senderSessionID = *m.SessionID
		}
		preloaded = append(preloaded, registry.Message{
			ID:              m.ID,
			SenderSessionID: senderSessionID,
			SenderNickname:  m.SenderNickname,
			Content:         m.Content,
			ServerTimestamp: m.ServerTimestamp,
		})
	}

	s.registry.InitializeRoom(roomCode, room.ID, sport, room.Name, room.Teams, room.GameDate, preloaded)

	var restored *registry.RestoredGameTime
	var syncState *types.GameTime
	if isReconnect && sess.GameTime != nil && sess.ElapsedSeconds != nil {
		restored = &registry.RestoredGameTime{
			Period: sess.GameTime.Period, Minutes: sess.GameTime.Minutes, Seconds: sess.GameTime.Seconds,
			ElapsedSeconds: *sess.ElapsedSeconds,
		}
		syncState = sess.GameTime
	}

	s.registry.AddUser(roomCode, c.ID, nickname, sess.ID, restored)

	c.RoomCode = roomCode
	c.SessionID = sess.ID
	c.Nickname = nickname

	s.metrics.UsersActive.Inc()
	s.metrics.RoomsActive.Set(float64(s.registry.RoomCount()))

	snap, _ := s.registry.Snapshot(roomCode)
	users := make([]UserView, 0, len(snap.Users))
	for _, u := range snap.Users {
		users = append(users, toUserView(u))
	}
	messages := make([]MessageView, 0, len(snap.Messages))
	for _, m := range snap.Messages {
		messages = append(messages, MessageView{ID: m.ID, SenderNickname: m.SenderNickname, Content: m.Content, ServerTimestamp: m.ServerTimestamp})
	}

	s.writeFrame(c, Frame{Event: EventJoinedRoom, Data: JoinedRoomResponse{
		SessionID:   sess.ID,
		RoomCode:    roomCode,
		Sport:       sport,
		Users:       users,
		Messages:    messages,
		IsReconnect: isReconnect,
		SyncState:   syncState,
	}})

	if joined, ok := s.registry.Snapshot(roomCode); ok {
		for _, u := range joined.Users {
			if u.SocketID == c.ID {
				s.broadcastToRoom(roomCode, EventUserJoined, UserJoinedEvent{User: toUserView(u)}, c.ID)
				break
			}
		}
	}
}

// resolveSport decides which sport governs a room's clock: an existing
// room's sport always wins (a client can't retroactively change a live
// room's rules); otherwise the client-supplied sport is validated, or
// basketball is assumed for a brand-new room left unspecified.
func (s *Server) resolveSport(roomCode, requested string) (types.Sport, error) {
	if info, ok := s.registry.Info(roomCode); ok {
		return info.Sport, nil
	}
	if requested == "" {
		return types.SportBasketball, nil
	}
	sp := types.Sport(requested)
	if _, err := clock.Lookup(sp); err != nil {
		return "", err
	}
	return sp, nil
}

// handleSyncGameTime implements spec.md §4.5's sync-game-time path: the
// offset-correctness invariant is entirely owned by the registry; this
// handler only translates its result into outbound frames.
func (s *Server) handleSyncGameTime(c *Client, req SyncGameTimeRequest) {
	result, err := s.registry.UpdateUserGameTime(c.RoomCode, c.ID, req.Period, req.Minutes, req.Seconds)
	if err != nil {
		var invalidTime *clock.InvalidTimeError
		var unknownSport *clock.UnknownSportError
		if errors.As(err, &invalidTime) || errors.As(err, &unknownSport) {
			s.sendError(c, string(types.ErrInvalidTime), "invalid game time for this sport")
			return
		}
		s.sendError(c, string(types.ErrMustJoinFirst), "join a room before syncing")
		return
	}

	gt := types.GameTime{Period: req.Period, Minutes: req.Minutes, Seconds: req.Seconds}

	go func(sessionID string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.UpdateSessionGameTime(ctx, sessionID, gt, result.ElapsedSeconds); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("async updateSessionGameTime failed")
			s.metrics.StoreAsyncFailures.Inc()
		}
	}(c.SessionID)

	s.writeFrame(c, Frame{Event: EventSyncConfirmed, Data: SyncConfirmedResponse{
		OffsetMs: result.OffsetMs, IsBaseline: result.IsBaseline, ElapsedSeconds: result.ElapsedSeconds,
	}})

	if snap, ok := s.registry.Snapshot(c.RoomCode); ok {
		for _, u := range snap.Users {
			if u.SocketID == c.ID {
				s.broadcastToRoom(c.RoomCode, EventUserSynced, UserSyncedEvent{User: toUserView(u)}, c.ID)
				break
			}
		}
	}

	for _, u := range result.ChangedOffsets {
		if v, ok := s.clients.Load(u.SocketID); ok {
			s.writeFrame(v.(*Client), Frame{Event: EventOffsetUpdated, Data: OffsetUpdatedEvent{OffsetMs: u.OffsetMs}})
		}
		s.broadcastToRoom(c.RoomCode, EventUserSynced, UserSyncedEvent{User: u}, "")
	}
}

// handleSendMessage implements spec.md §4.5's send-message path: validate,
// rate-limit, stamp, persist, fan out per the offset rule.
func (s *Server) handleSendMessage(c *Client, req SendMessageRequest) {
	content, ok := ValidateMessageContent(req.Content)
	if !ok {
		s.sendError(c, string(types.ErrInvalidMessage), "invalid message content")
		return
	}

	now := time.Now()
	if allowed, retryAfter := s.msgLimiters.forSocket(c.ID).Allow(now); !allowed {
		s.metrics.MessageRateLimited.Inc()
		s.sendError(c, string(types.ErrRateLimited), rateLimitMessage(retryAfter))
		return
	}

	msg := registry.Message{
		ID:              registry.NewMessageID(),
		SenderSessionID: c.SessionID,
		SenderNickname:  c.Nickname,
		Content:         content,
		ServerTimestamp: now,
	}
	s.registry.AddMessage(c.RoomCode, msg)
	s.metrics.MessagesAccepted.Inc()

	s.fanOutMessage(c.RoomCode, msg, c.ID)

	if s.broadcast != nil {
		_ = s.broadcast.Publish(broker.AcceptedMessage{
			RoomCode: c.RoomCode, MessageID: msg.ID, SenderSessionID: msg.SenderSessionID,
			SenderNickname: msg.SenderNickname, Content: msg.Content, ServerTimestamp: msg.ServerTimestamp,
		})
	}
}

// fanOutMessage applies spec.md §4.5's fan-out rule to every live user in
// roomCode: immediate delivery to the sender, unsynced users, and anyone
// already at offset 0; delayed delivery (via the dispatcher) to everyone
// else. senderSocketID is "" for messages fanned out from a remote
// gateway process (there is no local sender to exempt).
func (s *Server) fanOutMessage(roomCode string, msg registry.Message, senderSocketID string) {
	view := MessageView{ID: msg.ID, SenderNickname: msg.SenderNickname, Content: msg.Content, ServerTimestamp: msg.ServerTimestamp}
	frame := Frame{Event: EventNewMessage, Data: NewMessageEvent{Message: view}}
	now := time.Now()

	for _, u := range s.registry.Users(roomCode) {
		if u.SocketID == senderSocketID || !u.Synced() || u.OffsetMs == 0 {
			s.delayQueue.DeliverImmediately(u.SocketID, frame)
			continue
		}
		s.delayQueue.Enqueue(u.SocketID, frame, now.Add(time.Duration(u.OffsetMs)*time.Millisecond))
	}
}

func rateLimitMessage(retryAfterSec int) string {
	if retryAfterSec <= 0 {
		return "too many messages, please slow down"
	}
	return "too many messages, please slow down (retry in " + strconv.Itoa(retryAfterSec) + "s)"
}
