// Package search implements the spatial index answering radius-bounded
// nearest-neighbor queries with attribute filters.
package search

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/smartpark/internal/spot/domain"
	"github.com/example/smartpark/internal/spot/geo"
)

// DefaultLimit caps result size when the caller does not specify one.
const DefaultLimit = 10

// Query describes a proximity search. Optional filters are nil when unset;
// Amenities uses subset semantics (every listed amenity must be present).
type Query struct {
	Center    domain.GeoPoint
	RadiusM   float64
	Type      *domain.SpotType
	Available *bool
	Amenities []domain.Amenity
	MinPrice  *float64
	MaxPrice  *float64
	Limit     int
}

// Validate rejects non-positive radii and out-of-range coordinates.
func (q Query) Validate() error {
	if q.RadiusM <= 0 {
		return fmt.Errorf("%w: radius must be positive", domain.ErrInvalidQuery)
	}
	if q.Center.Lat < -90 || q.Center.Lat > 90 || q.Center.Lng < -180 || q.Center.Lng > 180 {
		return fmt.Errorf("%w: center out of range", domain.ErrInvalidQuery)
	}
	return nil
}

// Matches evaluates the attribute filters against a spot snapshot.
func (q Query) Matches(spot domain.ParkingSpot) bool {
	if q.Type != nil && spot.Type != *q.Type {
		return false
	}
	if q.Available != nil && spot.Available != *q.Available {
		return false
	}
	if !domain.HasAll(spot.Amenities, q.Amenities) {
		return false
	}
	if q.MinPrice != nil && spot.PricePerHour < *q.MinPrice {
		return false
	}
	if q.MaxPrice != nil && spot.PricePerHour > *q.MaxPrice {
		return false
	}
	return true
}

func (q Query) limit() int {
	if q.Limit > 0 {
		return q.Limit
	}
	return DefaultLimit
}

// Match is a search hit with its distance from the query center.
type Match struct {
	Spot      domain.ParkingSpot `json:"spot"`
	DistanceM float64            `json:"distance_m"`
}

// SpotIndex answers proximity queries over the spot population. Upsert and
// Remove keep the index in sync with store mutations; stale snapshots would
// otherwise leak through availability filters.
type SpotIndex interface {
	Upsert(ctx context.Context, spot domain.ParkingSpot) error
	Remove(ctx context.Context, id uuid.UUID) error
	Nearby(ctx context.Context, q Query) ([]Match, error)
}

// Geohash precisions the cell index buckets at. Queries finer than
// maxPrecision clamp up (only matters for radii under ~150m); a radius too
// wide for the 3x3 grid at minPrecision (~150km cells) falls back to a full
// scan so no in-range spot is ever omitted.
const (
	minPrecision = 3
	maxPrecision = 7
)

type cellEntry struct {
	id  uuid.UUID
	seq uint64
}

// CellIndex is an in-memory geohash-bucketed spatial index. Each spot is
// bucketed at every precision in [minPrecision, maxPrecision], so a query
// resolves to nine direct cell lookups at the precision matching its radius
// and query cost scales with candidate count, not population size.
type CellIndex struct {
	mu    sync.RWMutex
	cells map[string][]cellEntry
	spots map[uuid.UUID]domain.ParkingSpot
	seqs  map[uuid.UUID]uint64
	next  uint64
}

// NewCellIndex constructs an empty index.
func NewCellIndex() *CellIndex {
	return &CellIndex{
		cells: make(map[string][]cellEntry),
		spots: make(map[uuid.UUID]domain.ParkingSpot),
		seqs:  make(map[uuid.UUID]uint64),
	}
}

// Upsert inserts or refreshes a spot snapshot, rebucketing when the
// location changed. The original insertion sequence is retained so distance
// ties stay stable across attribute updates.
func (x *CellIndex) Upsert(_ context.Context, spot domain.ParkingSpot) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if prev, ok := x.spots[spot.ID]; ok {
		if prev.Location != spot.Location {
			x.unbucket(prev)
			x.bucket(spot)
		}
		x.spots[spot.ID] = spot
		return nil
	}

	x.next++
	x.seqs[spot.ID] = x.next
	x.spots[spot.ID] = spot
	x.bucket(spot)
	return nil
}

// Remove drops a spot from the index. Unknown ids are a no-op.
func (x *CellIndex) Remove(_ context.Context, id uuid.UUID) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	spot, ok := x.spots[id]
	if !ok {
		return nil
	}
	x.unbucket(spot)
	delete(x.spots, id)
	delete(x.seqs, id)
	return nil
}

// Nearby returns matching spots ordered by ascending distance, ties broken
// by insertion order then id.
func (x *CellIndex) Nearby(_ context.Context, q Query) ([]Match, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	precision := geo.PrecisionForRadius(q.RadiusM, q.Center.Lat)
	if precision > maxPrecision {
		precision = maxPrecision
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	type hit struct {
		Match
		seq uint64
	}
	var hits []hit
	collect := func(id uuid.UUID, seq uint64) {
		spot := x.spots[id]
		dist := geo.Distance(q.Center, spot.Location)
		if dist > q.RadiusM || !q.Matches(spot) {
			return
		}
		hits = append(hits, hit{Match: Match{Spot: spot, DistanceM: dist}, seq: seq})
	}

	if precision < minPrecision {
		// The radius outgrows the 3x3 grid at the coarsest bucketed
		// precision; cell lookups would drop in-range spots, so scan the
		// whole population.
		for id, seq := range x.seqs {
			collect(id, seq)
		}
	} else {
		center := geo.Encode(q.Center.Lat, q.Center.Lng, precision)
		seen := make(map[uuid.UUID]struct{})
		for _, cell := range geo.CellsAround(center) {
			for _, entry := range x.cells[cell] {
				if _, dup := seen[entry.id]; dup {
					continue
				}
				seen[entry.id] = struct{}{}
				collect(entry.id, entry.seq)
			}
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceM != hits[j].DistanceM {
			return hits[i].DistanceM < hits[j].DistanceM
		}
		if hits[i].seq != hits[j].seq {
			return hits[i].seq < hits[j].seq
		}
		return hits[i].Spot.ID.String() < hits[j].Spot.ID.String()
	})

	limit := q.limit()
	if len(hits) > limit {
		hits = hits[:limit]
	}
	matches := make([]Match, 0, len(hits))
	for _, h := range hits {
		matches = append(matches, h.Match)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches, nil
}

func (x *CellIndex) bucket(spot domain.ParkingSpot) {
	seq := x.seqs[spot.ID]
	for p := minPrecision; p <= maxPrecision; p++ {
		cell := geo.Encode(spot.Location.Lat, spot.Location.Lng, p)
		x.cells[cell] = append(x.cells[cell], cellEntry{id: spot.ID, seq: seq})
	}
}

func (x *CellIndex) unbucket(spot domain.ParkingSpot) {
	for p := minPrecision; p <= maxPrecision; p++ {
		cell := geo.Encode(spot.Location.Lat, spot.Location.Lng, p)
		entries := x.cells[cell]
		for i, entry := range entries {
			if entry.id == spot.ID {
				x.cells[cell] = append(entries[:i], entries[i+1:]...)
				break
			}
		}
		if len(x.cells[cell]) == 0 {
			delete(x.cells, cell)
		}
	}
}
