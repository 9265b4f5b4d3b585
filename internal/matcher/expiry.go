package matcher

import (
	"context"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// offerTable remembers when each request was first broadcast, so the
// expiry worker knows when to widen the search and when to give up.
type offerTable struct {
	mu      sync.Mutex
	entries map[string]*offerEntry
}

type offerEntry struct {
	created     time.Time
	rebroadcast bool
}

func (t *offerTable) add(requestID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries == nil {
		t.entries = make(map[string]*offerEntry)
	}
	t.entries[requestID] = &offerEntry{created: at}
}

func (t *offerTable) drop(requestID string) {
	t.mu.Lock()
	delete(t.entries, requestID)
	t.mu.Unlock()
}

// dueForRebroadcast returns ids past the half-window mark that have not
// been widened yet, marking them as it goes.
func (t *offerTable) dueForRebroadcast(halfWindowCutoff time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for id, e := range t.entries {
		if !e.rebroadcast && e.created.Before(halfWindowCutoff) {
			e.rebroadcast = true
			out = append(out, id)
		}
	}
	return out
}

// Forget stops tracking a request that reached a terminal state through
// acceptance, decline or cancellation.
func (s *Service) Forget(requestID string) {
	s.offers.drop(requestID)
}

// RunExpiry bounds the offer window: requests still pending at the
// half-window mark are re-broadcast once at twice the radius; requests
// pending past the full window are expired and their riders notified.
// Blocks until ctx is done.
func (s *Service) RunExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.window() / 4
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.sweep(ctx, now)
		}
	}
}

func (s *Service) sweep(ctx context.Context, now time.Time) {
	for _, id := range s.offers.dueForRebroadcast(now.Add(-s.window() / 2)) {
		req, err := s.Registry.GetRequest(ctx, id)
		if err != nil || req.Status != models.RequestPending {
			continue
		}
		if _, err := s.dispatch(ctx, req, 2*s.radius()); err != nil {
			s.Logger.Warn("rebroadcast failed", "request_id", id, "error", err)
		}
	}

	expired, err := s.Registry.ExpirePending(ctx, now.Add(-s.window()))
	if err != nil {
		s.Logger.Error("expire sweep failed", "error", err)
		return
	}
	for i := range expired {
		req := &expired[i]
		s.offers.drop(req.ID)
		s.Notify.Notify(req.RiderID, "rideExpired", ExpiredNotice{
			RequestID: req.ID,
			Reason:    "no driver accepted in time",
		})
		observability.RequestsExpired.Inc()
		s.Logger.Info("ride request expired", "request_id", req.ID)
	}
}
