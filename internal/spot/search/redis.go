package search

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/smartpark/internal/spot/domain"
)

var errInvalidGeoResult = errors.New("invalid geo search result")

// RedisGeoIndex implements SpotIndex on Redis GEO commands. Redis only
// stores coordinates, so attribute filters are evaluated against the spot
// store after the radius search.
type RedisGeoIndex struct {
	client redis.Cmdable
	spots  domain.SpotRepository
	key    string
}

// NewRedisGeoIndex constructs a Redis-backed geo index reading spot
// attributes from the given repository.
func NewRedisGeoIndex(client redis.Cmdable, spots domain.SpotRepository, key string) *RedisGeoIndex {
	if key == "" {
		key = "spot:locs"
	}
	return &RedisGeoIndex{client: client, spots: spots, key: key}
}

// Upsert writes the spot coordinate into the GEO set.
func (r *RedisGeoIndex) Upsert(ctx context.Context, spot domain.ParkingSpot) error {
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      spot.ID.String(),
		Longitude: spot.Location.Lng,
		Latitude:  spot.Location.Lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis geoadd: %w", err)
	}
	return nil
}

// Remove drops the spot member from the GEO set.
func (r *RedisGeoIndex) Remove(ctx context.Context, id uuid.UUID) error {
	if err := r.client.ZRem(ctx, r.key, id.String()).Err(); err != nil {
		return fmt.Errorf("redis zrem: %w", err)
	}
	return nil
}

// Nearby runs GEOSEARCH sorted ascending and filters candidates through the
// spot store. Candidates are not capped at the GEO layer so attribute
// filtering cannot starve the result set.
func (r *RedisGeoIndex) Nearby(ctx context.Context, q Query) ([]Match, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	query := &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  q.Center.Lng,
			Latitude:   q.Center.Lat,
			Radius:     q.RadiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithDist: true,
	}

	results, err := r.client.GeoSearchLocation(ctx, r.key, query).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geosearch: %w", err)
	}

	limit := q.limit()
	var matches []Match
	for _, res := range results {
		if len(matches) >= limit {
			break
		}
		id, err := uuid.Parse(res.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errInvalidGeoResult, res.Name)
		}
		spot, err := r.spots.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// Spot deleted out from under the index; skip it.
				continue
			}
			return nil, err
		}
		if !q.Matches(spot) {
			continue
		}
		matches = append(matches, Match{Spot: spot, DistanceM: res.Dist})
	}
	return matches, nil
}
