package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

type fakeUpserter struct {
	calls   int
	failFor int   // fail the first N calls
	err     error // error returned for failed calls
}

func (f *fakeUpserter) Upsert(ctx context.Context, entityID string, lat, lon float64, role models.Role, at time.Time) error {
	f.calls++
	if f.calls <= f.failFor {
		return f.err
	}
	return nil
}

func testPosition() models.Position {
	return models.Position{
		EntityID:  "d1",
		Loc:       models.Coord{Lat: 37.78, Lon: -122.43},
		Role:      models.RoleDriver,
		UpdatedAt: time.Now(),
	}
}

func TestUpsertWithRetrySucceedsFirstTry(t *testing.T) {
	f := &fakeUpserter{}
	if err := upsertWithRetry(context.Background(), f, testPosition(), 3, time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("expected 1 call, got %d", f.calls)
	}
}

func TestUpsertWithRetryRecoversFromTransientFailure(t *testing.T) {
	f := &fakeUpserter{failFor: 2, err: apperr.Store("upsert", errors.New("connection refused"))}
	if err := upsertWithRetry(context.Background(), f, testPosition(), 3, time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestUpsertWithRetryExhaustsAttempts(t *testing.T) {
	storeErr := apperr.Store("upsert", errors.New("connection refused"))
	f := &fakeUpserter{failFor: 10, err: storeErr}
	err := upsertWithRetry(context.Background(), f, testPosition(), 3, time.Millisecond)
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !apperr.IsStore(err) {
		t.Fatalf("expected store error, got %v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestUpsertWithRetryDoesNotRetryValidation(t *testing.T) {
	f := &fakeUpserter{failFor: 10, err: &apperr.InvalidCoordinateError{Lat: 97, Lon: 0}}
	err := upsertWithRetry(context.Background(), f, testPosition(), 3, time.Millisecond)
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("validation error must not be retried, got %d calls", f.calls)
	}
}

func TestUpsertWithRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeUpserter{failFor: 10, err: errors.New("transient")}
	err := upsertWithRetry(ctx, f, testPosition(), 3, time.Millisecond)
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in chain, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("expected 1 call before cancellation, got %d", f.calls)
	}
}

func TestSplitBrokers(t *testing.T) {
	got := splitBrokers("a:9092, b:9092 ,,c:9092")
	if len(got) != 3 || got[0] != "a:9092" || got[1] != "b:9092" || got[2] != "c:9092" {
		t.Fatalf("unexpected brokers: %v", got)
	}
	if got := splitBrokers(""); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
}
