package presence

import (
	"context"
	"testing"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

func TestGetStatusDefaultsToOffline(t *testing.T) {
	tr := NewMemoryTracker()
	s, err := tr.GetStatus(context.Background(), "never-seen")
	if err != nil {
		t.Fatal(err)
	}
	if s != models.PresenceOffline {
		t.Fatalf("expected offline, got %s", s)
	}
}

func TestSetAndGetStatus(t *testing.T) {
	tr := NewMemoryTracker()
	ctx := context.Background()
	for _, want := range []models.PresenceStatus{models.PresenceOnline, models.PresenceBusy, models.PresenceOffline} {
		if err := tr.SetStatus(ctx, "d1", want); err != nil {
			t.Fatal(err)
		}
		got, err := tr.GetStatus(ctx, "d1")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestSetStatusValidation(t *testing.T) {
	tr := NewMemoryTracker()
	ctx := context.Background()
	if err := tr.SetStatus(ctx, "", models.PresenceOnline); !apperr.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if err := tr.SetStatus(ctx, "d1", "sleeping"); !apperr.IsValidation(err) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}
