package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// DefaultStaleAfter is the age beyond which a Position is excluded from
// proximity queries.
const DefaultStaleAfter = 5 * time.Minute

// cellPrecision buckets the in-memory index into geohash cells of roughly
// 39x20 km at the equator, so a Nearby scan touches the origin cell and
// its neighbors instead of every live entry. Radii beyond the guaranteed
// neighbor coverage fall back to a full scan.
const (
	cellPrecision = 4
	// North-south cell extent (0.1758 degrees of latitude), constant at
	// every latitude.
	cellHeightMeters = 19000
	// East-west cell extent (0.3516 degrees of longitude) at the equator;
	// shrinks by cos(lat) toward the poles.
	cellWidthMeters = 39000
)

// cellCover is the radius the 3x3 neighbor scan is guaranteed to cover at
// the given latitude: the smaller of the cell height and the
// latitude-scaled cell width.
func cellCover(lat float64) float64 {
	ew := cellWidthMeters * math.Cos(lat*math.Pi/180)
	if ew < cellHeightMeters {
		return ew
	}
	return cellHeightMeters
}

// Index is the minimal surface required by the matcher and handlers.
//
// Ordering is last-writer-wins by wall-clock arrival: an upsert carrying an
// older timestamp than the stored entry still replaces it. Out-of-order
// reports are not rejected.
type Index interface {
	Upsert(ctx context.Context, entityID string, lat, lon float64, role models.Role, at time.Time) error
	Nearby(ctx context.Context, origin models.Coord, maxMeters float64, role models.Role, exclude string) ([]models.Candidate, error)
}

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

func validCoord(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || math.IsNaN(lon) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// MemoryIndex keeps every live Position in process memory, bucketed by
// geohash cell. Safe for concurrent use.
type MemoryIndex struct {
	mu         sync.RWMutex
	entries    map[string]models.Position
	cells      map[string]map[string]struct{}
	staleAfter time.Duration
	now        func() time.Time
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		entries:    make(map[string]models.Position),
		cells:      make(map[string]map[string]struct{}),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
}

// SetStaleAfter overrides the freshness window applied by Nearby and the
// janitor.
func (g *MemoryIndex) SetStaleAfter(d time.Duration) {
	if d > 0 {
		g.staleAfter = d
	}
}

func (g *MemoryIndex) Upsert(_ context.Context, entityID string, lat, lon float64, role models.Role, at time.Time) error {
	if entityID == "" {
		return apperr.Validation("entity_id", "must not be empty")
	}
	if !validCoord(lat, lon) {
		return &apperr.InvalidCoordinateError{Lat: lat, Lon: lon}
	}
	if at.IsZero() {
		at = g.now()
	}
	cell := geohash.EncodeWithPrecision(lat, lon, cellPrecision)

	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.entries[entityID]; ok {
		prevCell := geohash.EncodeWithPrecision(prev.Loc.Lat, prev.Loc.Lon, cellPrecision)
		if prevCell != cell {
			delete(g.cells[prevCell], entityID)
			if len(g.cells[prevCell]) == 0 {
				delete(g.cells, prevCell)
			}
		}
	}
	g.entries[entityID] = models.Position{
		EntityID:  entityID,
		Loc:       models.Coord{Lat: lat, Lon: lon},
		Role:      role,
		UpdatedAt: at,
	}
	if g.cells[cell] == nil {
		g.cells[cell] = make(map[string]struct{})
	}
	g.cells[cell][entityID] = struct{}{}
	return nil
}

func (g *MemoryIndex) Nearby(_ context.Context, origin models.Coord, maxMeters float64, role models.Role, exclude string) ([]models.Candidate, error) {
	if !validCoord(origin.Lat, origin.Lon) {
		return nil, &apperr.InvalidCoordinateError{Lat: origin.Lat, Lon: origin.Lon}
	}
	if maxMeters <= 0 {
		return nil, apperr.Validation("max_meters", "must be > 0")
	}
	cutoff := g.now().Add(-g.staleAfter)

	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]models.Candidate, 0, 16)
	scan := func(id string) {
		p, ok := g.entries[id]
		if !ok {
			return
		}
		if id == exclude || p.Role != role || p.UpdatedAt.Before(cutoff) {
			return
		}
		d := Haversine(origin.Lat, origin.Lon, p.Loc.Lat, p.Loc.Lon)
		if d > maxMeters {
			return
		}
		out = append(out, models.Candidate{
			EntityID:       id,
			Loc:            p.Loc,
			DistanceMeters: d,
			UpdatedAt:      p.UpdatedAt,
		})
	}

	if maxMeters <= cellCover(origin.Lat) {
		center := geohash.EncodeWithPrecision(origin.Lat, origin.Lon, cellPrecision)
		for _, cell := range append(geohash.Neighbors(center), center) {
			for id := range g.cells[cell] {
				scan(id)
			}
		}
	} else {
		for id := range g.entries {
			scan(id)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters != out[j].DistanceMeters {
			return out[i].DistanceMeters < out[j].DistanceMeters
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Sweep drops entries idle for longer than olderThan and returns how many
// were removed. Staleness filtering at query time makes this purely a
// memory-reclaim concern.
func (g *MemoryIndex) Sweep(olderThan time.Duration) int {
	cutoff := g.now().Add(-olderThan)
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, p := range g.entries {
		if p.UpdatedAt.Before(cutoff) {
			cell := geohash.EncodeWithPrecision(p.Loc.Lat, p.Loc.Lon, cellPrecision)
			delete(g.cells[cell], id)
			if len(g.cells[cell]) == 0 {
				delete(g.cells, cell)
			}
			delete(g.entries, id)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps long-dead entries until ctx is done.
func (g *MemoryIndex) RunJanitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			g.Sweep(4 * g.staleAfter)
		}
	}
}
