package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := retry(context.Background(), zerolog.Nop(), "op", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("want 3 attempts, got %d", attempts)
	}
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	attempts := 0
	start := time.Now()
	err := retry(context.Background(), zerolog.Nop(), "op", func(ctx context.Context) error {
		attempts++
		return errors.New("still down")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if attempts != 4 {
		t.Fatalf("want 4 attempts (1 initial + 3 retries), got %d", attempts)
	}
	if time.Since(start) < 700*time.Millisecond {
		t.Fatalf("expected backoff delays to elapse (100+200+400ms), took %v", time.Since(start))
	}
}

func TestRetry_NoRowsIsNotRetried(t *testing.T) {
	attempts := 0
	err := retry(context.Background(), zerolog.Nop(), "op", func(ctx context.Context) error {
		attempts++
		return pgx.ErrNoRows
	})
	if !errors.Is(err, pgx.ErrNoRows) {
		t.Fatalf("expected ErrNoRows passthrough, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("ErrNoRows must not be retried, got %d attempts", attempts)
	}
}

func TestRetry_ContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	err := retry(ctx, zerolog.Nop(), "op", func(ctx context.Context) error {
		attempts++
		return errors.New("connection reset")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("cancelled context should stop after first attempt, got %d", attempts)
	}
}

type fakeRow struct {
	values []any
	err    error
}

func (f fakeRow) Scan(dest ...any) error {
	if f.err != nil {
		return f.err
	}
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = f.values[i].(string)
		case **string:
			*v = f.values[i].(*string)
		case *bool:
			*v = f.values[i].(bool)
		case *time.Time:
			*v = f.values[i].(time.Time)
		case **int:
			*v = f.values[i].(*int)
		}
	}
	return nil
}

func TestScanSession_NoRowsReturnsFalseNotError(t *testing.T) {
	ok, err := scanSession(fakeRow{err: pgx.ErrNoRows}, &Session{})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ok {
		t.Fatal("expected ok=false on no-rows")
	}
}

func TestScanSession_UnsyncedSessionLeavesGameTimeNil(t *testing.T) {
	now := time.Now()
	sess := Session{}
	row := fakeRow{values: []any{"sess-1", "room-1", "alice", (*string)(nil), true, now, (*int)(nil), (*int)(nil), (*int)(nil), (*int)(nil)}}
	ok, err := scanSession(row, &sess)
	if err != nil || !ok {
		t.Fatalf("expected successful scan, ok=%v err=%v", ok, err)
	}
	if sess.GameTime != nil {
		t.Fatal("unsynced session should leave GameTime nil")
	}
}

func TestIsTransient(t *testing.T) {
	if isTransient(pgx.ErrNoRows) {
		t.Fatal("ErrNoRows should not be transient")
	}
	if isTransient(context.Canceled) {
		t.Fatal("context.Canceled should not be transient")
	}
	if !isTransient(errors.New("connection refused")) {
		t.Fatal("generic connection errors should be treated as transient")
	}
}
