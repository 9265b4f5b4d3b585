// Package matcher finds eligible drivers for a ride request and fans the
// offer out to all of them at once. The first driver whose accept wins the
// conditional update gets the ride; everyone else resolves to a conflict.
package matcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	DefaultRadiusMeters = 5000
	DefaultOfferWindow  = 30 * time.Second
)

type Geo interface {
	Nearby(ctx context.Context, origin models.Coord, maxMeters float64, role models.Role, exclude string) ([]models.Candidate, error)
}

type Presence interface {
	GetStatus(ctx context.Context, driverID string) (models.PresenceStatus, error)
}

type Vehicles interface {
	ActiveVehicle(ctx context.Context, driverID string) (*models.Vehicle, error)
}

// Notifier is the hub subset the matcher needs: addressed delivery to one
// entity's connections.
type Notifier interface {
	Notify(entityID string, eventType string, payload any)
}

type Registry interface {
	GetRequest(ctx context.Context, id string) (*models.RideRequest, error)
	ExpirePending(ctx context.Context, createdBefore time.Time) ([]models.RideRequest, error)
}

// Offer is the payload a candidate driver receives.
type Offer struct {
	Request        models.RideRequest `json:"request"`
	DistanceMeters float64            `json:"distance_meters"`
	ETASeconds     float64            `json:"eta_seconds"`
}

// ExpiredNotice goes back to the rider when the offer window lapses.
type ExpiredNotice struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

type Service struct {
	Geo      Geo
	Presence Presence
	Vehicles Vehicles
	Notify   Notifier
	Registry Registry

	RadiusMeters    float64
	OfferWindow     time.Duration
	DefaultSpeedMps float64
	ETAClient       eta.Client // optional routing engine
	ETACache        *eta.Cache // optional
	Logger          *slog.Logger

	offers offerTable
}

func (s *Service) radius() float64 {
	if s.RadiusMeters <= 0 {
		return DefaultRadiusMeters
	}
	return s.RadiusMeters
}

func (s *Service) window() time.Duration {
	if s.OfferWindow <= 0 {
		return DefaultOfferWindow
	}
	return s.OfferWindow
}

// FindCandidates returns eligible drivers ordered nearest first (ties
// broken by most recent position). A driver qualifies when their position
// is fresh and in radius, presence is online, and their active vehicle's
// ride type equals the requested one.
func (s *Service) FindCandidates(ctx context.Context, req *models.RideRequest) ([]models.Candidate, error) {
	return s.findCandidates(ctx, req, s.radius())
}

func (s *Service) findCandidates(ctx context.Context, req *models.RideRequest, radius float64) ([]models.Candidate, error) {
	near, err := s.Geo.Nearby(ctx, req.Pickup.Loc, radius, models.RoleDriver, req.RiderID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Candidate, 0, len(near))
	for _, c := range near {
		status, err := s.Presence.GetStatus(ctx, c.EntityID)
		if err != nil {
			// Treated as offline; an unreadable status never dispatches.
			s.Logger.Warn("presence lookup failed", "driver_id", c.EntityID, "error", err)
			continue
		}
		if status != models.PresenceOnline {
			continue
		}
		v, err := s.Vehicles.ActiveVehicle(ctx, c.EntityID)
		if err != nil || v.RideType != req.RideType {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Dispatch broadcasts the request to every candidate simultaneously and
// returns the number of drivers offered. Zero candidates is not an error:
// the request stays pending for a widened re-broadcast until the offer
// window lapses.
func (s *Service) Dispatch(ctx context.Context, req *models.RideRequest) (int, error) {
	n, err := s.dispatch(ctx, req, s.radius())
	if err != nil {
		return 0, err
	}
	s.offers.add(req.ID, time.Now())
	return n, nil
}

func (s *Service) dispatch(ctx context.Context, req *models.RideRequest, radius float64) (int, error) {
	cands, err := s.findCandidates(ctx, req, radius)
	if err != nil {
		return 0, err
	}
	for _, c := range cands {
		s.Notify.Notify(c.EntityID, "rideRequest", Offer{
			Request:        *req,
			DistanceMeters: c.DistanceMeters,
			ETASeconds:     s.etaSeconds(c.Loc, req.Pickup.Loc),
		})
	}
	observability.OffersDispatched.Add(float64(len(cands)))
	s.Logger.Info("dispatched ride request",
		"request_id", req.ID, "candidates", len(cands), "radius_m", radius)
	return len(cands), nil
}

func (s *Service) etaSeconds(from, to models.Coord) float64 {
	if s.ETACache != nil {
		if v, ok := s.ETACache.Get(from, to); ok {
			return v
		}
	}
	if s.ETAClient != nil {
		if v, err := s.ETAClient.EstimateSeconds(from, to); err == nil {
			if s.ETACache != nil {
				s.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateSeconds(from, to, s.DefaultSpeedMps)
}
