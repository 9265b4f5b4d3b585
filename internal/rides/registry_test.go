package rides

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

func validParams() CreateParams {
	return CreateParams{
		RiderID:  "r1",
		Pickup:   models.Stop{Loc: models.Coord{Lat: 37.78, Lon: -122.43}, Address: "pickup"},
		Dropoff:  models.Stop{Loc: models.Coord{Lat: 37.79, Lon: -122.41}, Address: "dropoff"},
		Fare:     12.50,
		RideType: "standard",
	}
}

func newTestRegistry() (*Registry, *MemoryStore) {
	store := NewMemoryStore()
	return NewRegistry(store), store
}

func TestCreateValidation(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateParams)
	}{
		{"zero fare", func(p *CreateParams) { p.Fare = 0 }},
		{"negative fare", func(p *CreateParams) { p.Fare = -3 }},
		{"missing rider", func(p *CreateParams) { p.RiderID = "" }},
		{"missing pickup", func(p *CreateParams) { p.Pickup = models.Stop{} }},
		{"missing dropoff", func(p *CreateParams) { p.Dropoff = models.Stop{} }},
		{"zero distance", func(p *CreateParams) { p.Dropoff = p.Pickup }},
		{"missing ride type", func(p *CreateParams) { p.RideType = "" }},
	}
	for _, c := range cases {
		p := validParams()
		c.mutate(&p)
		if _, err := reg.Create(ctx, p); !apperr.IsValidation(err) {
			t.Fatalf("%s: expected ValidationError, got %v", c.name, err)
		}
	}
}

func TestCreateStartsPending(t *testing.T) {
	reg, _ := newTestRegistry()
	req, err := reg.Create(context.Background(), validParams())
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != models.RequestPending {
		t.Fatalf("expected pending, got %s", req.Status)
	}
	if req.ID == "" || req.DriverID != "" {
		t.Fatalf("unexpected ids: %+v", req)
	}
	if req.PassengerCount != 1 {
		t.Fatalf("expected default passenger count 1, got %d", req.PassengerCount)
	}
}

func TestTryAcceptExactlyOneWinner(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	req, err := reg.Create(ctx, validParams())
	if err != nil {
		t.Fatal(err)
	}

	const drivers = 32
	var wg sync.WaitGroup
	wins := make(chan string, drivers)
	conflicts := make(chan error, drivers)
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			driverID := "d" + string(rune('a'+n%26)) + string(rune('a'+n/26))
			got, err := reg.TryAccept(ctx, req.ID, driverID)
			if err != nil {
				conflicts <- err
				return
			}
			wins <- got.DriverID
		}(i)
	}
	wg.Wait()
	close(wins)
	close(conflicts)

	if len(wins) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(wins))
	}
	winner := <-wins
	for err := range conflicts {
		if !errors.Is(err, apperr.ErrAcceptConflict) {
			t.Fatalf("loser got %v, want ErrAcceptConflict", err)
		}
	}
	stored, err := reg.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.RequestAccepted || stored.DriverID != winner {
		t.Fatalf("stored state inconsistent: %+v winner=%s", stored, winner)
	}
}

func TestTryAcceptUnknownRequest(t *testing.T) {
	reg, _ := newTestRegistry()
	_, err := reg.TryAccept(context.Background(), "nope", "d1")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConfirmByLoserFails(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	req, _ := reg.Create(ctx, validParams())

	if _, err := reg.TryAccept(ctx, req.ID, "winner"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.TryAccept(ctx, req.ID, "loser"); !errors.Is(err, apperr.ErrAcceptConflict) {
		t.Fatalf("expected ErrAcceptConflict, got %v", err)
	}
	if _, err := reg.Confirm(ctx, req.ID, "loser"); !errors.Is(err, apperr.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	ride, err := reg.Confirm(ctx, req.ID, "winner")
	if err != nil {
		t.Fatal(err)
	}
	if ride.Status != models.RideAccepted || ride.DriverID != "winner" {
		t.Fatalf("unexpected ride: %+v", ride)
	}
	if ride.DistanceMeters <= 0 {
		t.Fatalf("expected positive distance, got %f", ride.DistanceMeters)
	}
}

// flakyStore fails the confirm write without touching state, the way a
// dropped connection would abort the transaction.
type flakyStore struct {
	*MemoryStore
	failures int
}

func (f *flakyStore) ConfirmRequest(ctx context.Context, requestID string, ride *models.Ride) (int64, error) {
	if f.failures > 0 {
		f.failures--
		return 0, apperr.Store("confirm", errors.New("connection reset"))
	}
	return f.MemoryStore.ConfirmRequest(ctx, requestID, ride)
}

func TestConfirmFailureLeavesRequestRetryable(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1}
	reg := NewRegistry(store)
	ctx := context.Background()

	req, err := reg.Create(ctx, validParams())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.TryAccept(ctx, req.ID, "d1"); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.Confirm(ctx, req.ID, "d1"); !apperr.IsStore(err) {
		t.Fatalf("expected store error, got %v", err)
	}
	stored, err := reg.GetRequest(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.RequestAccepted {
		t.Fatalf("failed confirm must leave the request accepted, got %s", stored.Status)
	}

	ride, err := reg.Confirm(ctx, req.ID, "d1")
	if err != nil {
		t.Fatalf("retry after transient failure: %v", err)
	}
	if _, err := reg.GetRide(ctx, ride.ID); err != nil {
		t.Fatalf("ride not materialized on retry: %v", err)
	}
	stored, _ = reg.GetRequest(ctx, req.ID)
	if stored.Status != models.RequestConfirmed {
		t.Fatalf("expected confirmed after retry, got %s", stored.Status)
	}
}

func TestConfirmRequiresAccepted(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	req, _ := reg.Create(ctx, validParams())
	if _, err := reg.Confirm(ctx, req.ID, "d1"); !apperr.IsInvalidState(err) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestDeclineOnlyFromPending(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	req, _ := reg.Create(ctx, validParams())

	if err := reg.Decline(ctx, req.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	if err := reg.Decline(ctx, req.ID, "d1"); !apperr.IsInvalidState(err) {
		t.Fatalf("expected InvalidStateError on terminal decline, got %v", err)
	}
}

func TestCancelFromPendingAndAccepted(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()

	a, _ := reg.Create(ctx, validParams())
	if _, err := reg.Cancel(ctx, a.ID, "rider changed mind"); err != nil {
		t.Fatal(err)
	}

	b, _ := reg.Create(ctx, validParams())
	reg.TryAccept(ctx, b.ID, "d1")
	if _, err := reg.Cancel(ctx, b.ID, "rider changed mind"); err != nil {
		t.Fatal(err)
	}

	// Canceled is terminal.
	if _, err := reg.Cancel(ctx, b.ID, "again"); !apperr.IsInvalidState(err) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func confirmedRide(t *testing.T, reg *Registry) *models.Ride {
	t.Helper()
	ctx := context.Background()
	req, err := reg.Create(ctx, validParams())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := reg.TryAccept(ctx, req.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	ride, err := reg.Confirm(ctx, req.ID, "d1")
	if err != nil {
		t.Fatal(err)
	}
	return ride
}

func TestRideStatusHappyPath(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	ride := confirmedRide(t, reg)

	if _, err := reg.UpdateRideStatus(ctx, ride.ID, models.RideInProgress); err != nil {
		t.Fatal(err)
	}
	got, err := reg.UpdateRideStatus(ctx, ride.ID, models.RideCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RideCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestRideStatusIllegalEdges(t *testing.T) {
	reg, _ := newTestRegistry()
	ctx := context.Background()
	ride := confirmedRide(t, reg)

	// accepted -> completed skips in-progress.
	if _, err := reg.UpdateRideStatus(ctx, ride.ID, models.RideCompleted); !apperr.IsInvalidState(err) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	// State unchanged after refusal.
	got, _ := reg.GetRide(ctx, ride.ID)
	if got.Status != models.RideAccepted {
		t.Fatalf("state mutated on refused transition: %s", got.Status)
	}

	reg.UpdateRideStatus(ctx, ride.ID, models.RideInProgress)
	reg.UpdateRideStatus(ctx, ride.ID, models.RideCompleted)

	// Terminal: cancel after completion is refused, state unchanged.
	if _, err := reg.UpdateRideStatus(ctx, ride.ID, models.RideCanceled); !apperr.IsInvalidState(err) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	got, _ = reg.GetRide(ctx, ride.ID)
	if got.Status != models.RideCompleted {
		t.Fatalf("terminal state mutated: %s", got.Status)
	}
}

func TestExpirePending(t *testing.T) {
	reg, store := newTestRegistry()
	ctx := context.Background()

	old, _ := reg.Create(ctx, validParams())
	// Backdate by writing through the store.
	stored, _ := store.GetRequest(ctx, old.ID)
	stored.CreatedAt = time.Now().Add(-time.Minute)
	store.CreateRequest(ctx, stored)

	fresh, _ := reg.Create(ctx, validParams())

	expired, err := reg.ExpirePending(ctx, time.Now().Add(-30*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != old.ID {
		t.Fatalf("expected only the old request expired, got %v", expired)
	}
	got, _ := reg.GetRequest(ctx, fresh.ID)
	if got.Status != models.RequestPending {
		t.Fatalf("fresh request should stay pending, got %s", got.Status)
	}
	got, _ = reg.GetRequest(ctx, old.ID)
	if got.Status != models.RequestExpired {
		t.Fatalf("old request should be expired, got %s", got.Status)
	}
}
