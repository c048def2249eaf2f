// Package store is the Session Store Adapter: durable rooms, sessions,
// and messages behind a PostgreSQL-backed pool, grounded in the
// jackc/pgx/v5 usage the retrieval pack's gateway services share.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/adred-codev/spoilerchat/internal/types"
)

// defaultReconnectWindow is spec.md §5's literal reconnect bound, used
// unless the caller supplies a different one via New.
const defaultReconnectWindow = 60 * time.Minute

// Room is the durable row behind a live, in-memory registry room.
type Room struct {
	ID             string
	Code           string
	SportTag       types.Sport
	Name           string
	Teams          string
	GameDate       string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Session is the durable record of a (room, nickname) occupant, surviving
// socket disconnects for reconnectWindow.
type Session struct {
	ID              string
	RoomID          string
	Nickname        string
	CurrentSocketID *string
	IsActive        bool
	LastSeenAt      time.Time
	GameTime        *types.GameTime
	ElapsedSeconds  *int
}

// Message is a durable, immutable chat line.
type Message struct {
	ID              string
	RoomID          string
	SessionID       *string
	SenderNickname  string
	Content         string
	ServerTimestamp time.Time
}

// Meta carries optional display metadata supplied by the first joiner.
type Meta struct {
	Name, Teams, GameDate string
}

// Store is the Session Store Adapter's full operation set, spec.md §4.2.
type Store interface {
	GetOrCreateSession(ctx context.Context, roomCode, nickname string, clientSessionID *string, sport types.Sport, meta Meta) (sess Session, room Room, isReconnect bool, err error)
	ConnectSession(ctx context.Context, sessionID, socketID string) error
	DisconnectSession(ctx context.Context, sessionID string) error
	UpdateSessionGameTime(ctx context.Context, sessionID string, gt types.GameTime, elapsedSeconds int) error
	GetSessionGameTime(ctx context.Context, sessionID string) (*types.GameTime, *int, error)
	AppendMessage(ctx context.Context, roomID, sessionID, nickname, content string, ts time.Time) error
	LoadRecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error)
	ExpireDisconnectedSessions(ctx context.Context) (int64, error)
	PurgeStale(ctx context.Context, maxAgeDays int) (sessionsDeleted, roomsDeleted int64, err error)
	Close()
}

// PGStore implements Store over a pgxpool.Pool.
type PGStore struct {
	pool            *pgxpool.Pool
	logger          zerolog.Logger
	reconnectWindow time.Duration
}

// New wraps an already-connected pool. Callers obtain the pool via
// Connect. A zero reconnectWindow falls back to defaultReconnectWindow.
func New(pool *pgxpool.Pool, logger zerolog.Logger, reconnectWindow time.Duration) *PGStore {
	if reconnectWindow <= 0 {
		reconnectWindow = defaultReconnectWindow
	}
	return &PGStore{pool: pool, logger: logger, reconnectWindow: reconnectWindow}
}

// Connect opens a pgxpool against databaseURL. Migrations are applied
// separately, via Migrate (see migrate.go), before the pool is handed to
// request-serving code.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (s *PGStore) Close() { s.pool.Close() }

// retry runs op once and then up to 3 more times (4 attempts in all),
// waiting 100ms/200ms/400ms before the retries, per spec.md §4.2.
// Context cancellation and non-transient errors (pgx.ErrNoRows,
// constraint violations) are not retried.
func retry(ctx context.Context, logger zerolog.Logger, name string, op func(ctx context.Context) error) error {
	backoffs := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	var lastErr error
	for attempt := 0; attempt <= len(backoffs); attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !isTransient(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		if attempt == len(backoffs) {
			break
		}
		logger.Warn().Err(lastErr).Str("op", name).Int("attempt", attempt+1).Msg("store operation failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffs[attempt]):
		}
	}
	return lastErr
}

// isTransient distinguishes connection failures (retry) from data-level
// errors like ErrNoRows or constraint violations, and from a cancelled or
// expired context (don't).
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return false
	}
	// SQLSTATE class 23: integrity constraint violation.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// GetOrCreateSession implements spec.md §4.2's three-way session
// resolution: clientSessionId reuse, then (room,nickname) active-session
// reuse, then upsert-by-(room,nickname).
func (s *PGStore) GetOrCreateSession(ctx context.Context, roomCode, nickname string, clientSessionID *string, sport types.Sport, meta Meta) (Session, Room, bool, error) {
	var room Room
	var sess Session
	var isReconnect bool

	err := retry(ctx, s.logger, "GetOrCreateSession", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		err = tx.QueryRow(ctx, `
			INSERT INTO rooms (id, room_code, sport_tag, room_name, teams, game_date, created_at, last_activity_at)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, now(), now())
			ON CONFLICT (room_code) DO UPDATE SET last_activity_at = now()
			RETURNING id, room_code, sport_tag, coalesce(room_name,''), coalesce(teams,''), coalesce(game_date,''), created_at, last_activity_at
		`, roomCode, string(sport), nullableStr(meta.Name), nullableStr(meta.Teams), nullableStr(meta.GameDate)).
			Scan(&room.ID, &room.Code, &room.SportTag, &room.Name, &room.Teams, &room.GameDate, &room.CreatedAt, &room.LastActivityAt)
		if err != nil {
			return err
		}

		cutoff := time.Now().Add(-s.reconnectWindow)

		if clientSessionID != nil {
			row := tx.QueryRow(ctx, `
				SELECT id, room_id, nickname, current_socket_id, is_active, last_seen_at,
				       quarter_period, quarter_minutes, quarter_seconds, elapsed_seconds
				FROM sessions
				WHERE id = $1 AND room_id = $2 AND nickname = $3 AND is_active AND last_seen_at > $4
			`, *clientSessionID, room.ID, nickname, cutoff)
			if ok, scanErr := scanSession(row, &sess); scanErr != nil {
				return scanErr
			} else if ok {
				isReconnect = true
				return tx.Commit(ctx)
			}
		}

		row := tx.QueryRow(ctx, `
			SELECT id, room_id, nickname, current_socket_id, is_active, last_seen_at,
			       quarter_period, quarter_minutes, quarter_seconds, elapsed_seconds
			FROM sessions
			WHERE room_id = $1 AND nickname = $2 AND is_active AND last_seen_at > $3
		`, room.ID, nickname, cutoff)
		if ok, scanErr := scanSession(row, &sess); scanErr != nil {
			return scanErr
		} else if ok {
			isReconnect = true
			return tx.Commit(ctx)
		}

		row = tx.QueryRow(ctx, `
			INSERT INTO sessions (id, room_id, nickname, is_active, last_seen_at)
			VALUES (gen_random_uuid(), $1, $2, true, now())
			ON CONFLICT (room_id, nickname) DO UPDATE SET is_active = true, last_seen_at = now()
			RETURNING id, room_id, nickname, current_socket_id, is_active, last_seen_at,
			          quarter_period, quarter_minutes, quarter_seconds, elapsed_seconds
		`, room.ID, nickname)
		if _, err := scanSession(row, &sess); err != nil {
			return err
		}
		isReconnect = false
		return tx.Commit(ctx)
	})
	return sess, room, isReconnect, err
}

// scannableRow is the subset of pgx.Row this package needs, letting tests
// substitute a fake row without pulling in a live pgx.Tx.
type scannableRow interface {
	Scan(dest ...any) error
}

func scanSession(row scannableRow, sess *Session) (bool, error) {
	var period, minutes, seconds, elapsed *int
	err := row.Scan(&sess.ID, &sess.RoomID, &sess.Nickname, &sess.CurrentSocketID, &sess.IsActive, &sess.LastSeenAt,
		&period, &minutes, &seconds, &elapsed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if period != nil && minutes != nil && seconds != nil {
		sess.GameTime = &types.GameTime{Period: *period, Minutes: *minutes, Seconds: *seconds}
	}
	sess.ElapsedSeconds = elapsed
	return true, nil
}

func (s *PGStore) ConnectSession(ctx context.Context, sessionID, socketID string) error {
	return retry(ctx, s.logger, "ConnectSession", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE sessions SET current_socket_id = $1, is_active = true, last_seen_at = now() WHERE id = $2
		`, socketID, sessionID)
		return err
	})
}

func (s *PGStore) DisconnectSession(ctx context.Context, sessionID string) error {
	return retry(ctx, s.logger, "DisconnectSession", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE sessions SET current_socket_id = NULL, last_seen_at = now() WHERE id = $1
		`, sessionID)
		return err
	})
}

func (s *PGStore) UpdateSessionGameTime(ctx context.Context, sessionID string, gt types.GameTime, elapsedSeconds int) error {
	return retry(ctx, s.logger, "UpdateSessionGameTime", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			UPDATE sessions
			SET quarter_period = $1, quarter_minutes = $2, quarter_seconds = $3, elapsed_seconds = $4, last_seen_at = now()
			WHERE id = $5
		`, gt.Period, gt.Minutes, gt.Seconds, elapsedSeconds, sessionID)
		return err
	})
}

func (s *PGStore) GetSessionGameTime(ctx context.Context, sessionID string) (*types.GameTime, *int, error) {
	var period, minutes, seconds, elapsed *int
	err := retry(ctx, s.logger, "GetSessionGameTime", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, `
			SELECT quarter_period, quarter_minutes, quarter_seconds, elapsed_seconds FROM sessions WHERE id = $1
		`, sessionID).Scan(&period, &minutes, &seconds, &elapsed)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if period == nil || minutes == nil || seconds == nil {
		return nil, nil, nil
	}
	return &types.GameTime{Period: *period, Minutes: *minutes, Seconds: *seconds}, elapsed, nil
}

func (s *PGStore) AppendMessage(ctx context.Context, roomID, sessionID, nickname, content string, ts time.Time) error {
	return retry(ctx, s.logger, "AppendMessage", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO messages (id, room_id, session_id, sender_nickname, content, server_timestamp)
			VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)
		`, roomID, nullableStr(sessionID), nickname, content, ts)
		return err
	})
}

func (s *PGStore) LoadRecentMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	var out []Message
	err := retry(ctx, s.logger, "LoadRecentMessages", func(ctx context.Context) error {
		out = nil
		rows, err := s.pool.Query(ctx, `
			SELECT id, room_id, session_id, sender_nickname, content, server_timestamp
			FROM (
				SELECT id, room_id, session_id, sender_nickname, content, server_timestamp
				FROM messages WHERE room_id = $1
				ORDER BY server_timestamp DESC LIMIT $2
			) recent ORDER BY server_timestamp ASC
		`, roomID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var m Message
			if err := rows.Scan(&m.ID, &m.RoomID, &m.SessionID, &m.SenderNickname, &m.Content, &m.ServerTimestamp); err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

func (s *PGStore) ExpireDisconnectedSessions(ctx context.Context) (int64, error) {
	var n int64
	err := retry(ctx, s.logger, "ExpireDisconnectedSessions", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, `
			UPDATE sessions SET is_active = false
			WHERE current_socket_id IS NULL AND last_seen_at < now() - interval '60 minutes' AND is_active
		`)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

func (s *PGStore) PurgeStale(ctx context.Context, maxAgeDays int) (int64, int64, error) {
	if maxAgeDays <= 0 {
		maxAgeDays = 7
	}
	var sessionsDeleted, roomsDeleted int64
	err := retry(ctx, s.logger, "PurgeStale", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		cutoff := time.Duration(maxAgeDays) * 24 * time.Hour
		tag, err := tx.Exec(ctx, `
			DELETE FROM sessions WHERE NOT is_active AND last_seen_at < now() - $1::interval
		`, cutoff.String())
		if err != nil {
			return err
		}
		sessionsDeleted = tag.RowsAffected()

		tag, err = tx.Exec(ctx, `
			DELETE FROM rooms r
			WHERE r.last_activity_at < now() - $1::interval
			AND NOT EXISTS (SELECT 1 FROM sessions s WHERE s.room_id = r.id AND s.is_active)
		`, cutoff.String())
		if err != nil {
			return err
		}
		roomsDeleted = tag.RowsAffected()

		return tx.Commit(ctx)
	})
	return sessionsDeleted, roomsDeleted, err
}

func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
