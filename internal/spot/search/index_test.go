package search_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/smartpark/internal/spot/domain"
	"github.com/example/smartpark/internal/spot/search"
)

var center = domain.GeoPoint{Lat: 37.7749, Lng: -122.4194}

// metersNorth returns a point roughly the given distance north of center.
// One degree of latitude is ~111.195km.
func metersNorth(m float64) domain.GeoPoint {
	return domain.GeoPoint{Lat: center.Lat + m/111195, Lng: center.Lng}
}

func newSpot(loc domain.GeoPoint) domain.ParkingSpot {
	return domain.ParkingSpot{
		ID:           uuid.New(),
		Location:     loc,
		Type:         domain.TypeStreet,
		Available:    true,
		PricePerHour: 5,
	}
}

func TestNearbyRespectsRadius(t *testing.T) {
	ctx := context.Background()
	idx := search.NewCellIndex()

	near := newSpot(metersNorth(500))
	far := newSpot(metersNorth(2000))
	require.NoError(t, idx.Upsert(ctx, near))
	require.NoError(t, idx.Upsert(ctx, far))

	matches, err := idx.Nearby(ctx, search.Query{Center: center, RadiusM: 1000})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, near.ID, matches[0].Spot.ID)
	require.InDelta(t, 500, matches[0].DistanceM, 10)
}

func TestNearbyOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	idx := search.NewCellIndex()

	third := newSpot(metersNorth(900))
	first := newSpot(metersNorth(100))
	second := newSpot(metersNorth(400))
	for _, s := range []domain.ParkingSpot{third, first, second} {
		require.NoError(t, idx.Upsert(ctx, s))
	}

	matches, err := idx.Nearby(ctx, search.Query{Center: center, RadiusM: 1000})
	require.NoError(t, err)
	require.Len(t, matches, 3)
	require.Equal(t, first.ID, matches[0].Spot.ID)
	require.Equal(t, second.ID, matches[1].Spot.ID)
	require.Equal(t, third.ID, matches[2].Spot.ID)
}

func TestNearbyFilterComposition(t *testing.T) {
	ctx := context.Background()
	idx := search.NewCellIndex()

	match := newSpot(metersNorth(100))
	match.Type = domain.TypeIndoor
	match.Amenities = []domain.Amenity{domain.AmenityEVCharging, domain.AmenityCovered, domain.AmenitySecurity}
	match.PricePerHour = 8

	wrongType := newSpot(metersNorth(150))
	wrongType.Type = domain.TypeStreet
	wrongType.Amenities = match.Amenities
	wrongType.PricePerHour = 8

	missingAmenity := newSpot(metersNorth(200))
	missingAmenity.Type = domain.TypeIndoor
	missingAmenity.Amenities = []domain.Amenity{domain.AmenityEVCharging}
	missingAmenity.PricePerHour = 8

	tooExpensive := newSpot(metersNorth(250))
	tooExpensive.Type = domain.TypeIndoor
	tooExpensive.Amenities = match.Amenities
	tooExpensive.PricePerHour = 20

	taken := newSpot(metersNorth(300))
	taken.Type = domain.TypeIndoor
	taken.Amenities = match.Amenities
	taken.PricePerHour = 8
	taken.Available = false

	for _, s := range []domain.ParkingSpot{match, wrongType, missingAmenity, tooExpensive, taken} {
		require.NoError(t, idx.Upsert(ctx, s))
	}

	indoor := domain.TypeIndoor
	avail := true
	maxPrice := 10.0
	matches, err := idx.Nearby(ctx, search.Query{
		Center:    center,
		RadiusM:   1000,
		Type:      &indoor,
		Available: &avail,
		Amenities: []domain.Amenity{domain.AmenityEVCharging, domain.AmenityCovered},
		MaxPrice:  &maxPrice,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, match.ID, matches[0].Spot.ID)
}

func TestNearbyLimit(t *testing.T) {
	ctx := context.Background()
	idx := search.NewCellIndex()
	for i := 0; i < 15; i++ {
		require.NoError(t, idx.Upsert(ctx, newSpot(metersNorth(float64(10*(i+1))))))
	}

	matches, err := idx.Nearby(ctx, search.Query{Center: center, RadiusM: 1000})
	require.NoError(t, err)
	require.Len(t, matches, search.DefaultLimit)

	matches, err = idx.Nearby(ctx, search.Query{Center: center, RadiusM: 1000, Limit: 3})
	require.NoError(t, err)
	require.Len(t, matches, 3)
	require.InDelta(t, 10, matches[0].DistanceM, 2)
}

func TestNearbyEmptyResultIsNotAnError(t *testing.T) {
	ctx := context.Background()
	idx := search.NewCellIndex()
	require.NoError(t, idx.Upsert(ctx, newSpot(metersNorth(5000))))

	matches, err := idx.Nearby(ctx, search.Query{Center: center, RadiusM: 100})
	require.NoError(t, err)
	require.Nil(t, matches)
}

func TestNearbyRejectsInvalidQueries(t *testing.T) {
	ctx := context.Background()
	idx := search.NewCellIndex()

	_, err := idx.Nearby(ctx, search.Query{Center: center, RadiusM: 0})
	require.ErrorIs(t, err, domain.ErrInvalidQuery)

	_, err = idx.Nearby(ctx, search.Query{Center: domain.GeoPoint{Lat: 91, Lng: 0}, RadiusM: 100})
	require.ErrorIs(t, err, domain.ErrInvalidQuery)
}

func TestUpsertRefreshesSnapshot(t *testing.T) {
	ctx := context.Background()
	idx := search.NewCellIndex()

	spot := newSpot(metersNorth(100))
	require.NoError(t, idx.Upsert(ctx, spot))

	spot.Available = false
	require.NoError(t, idx.Upsert(ctx, spot))

	avail := true
	matches, err := idx.Nearby(ctx, search.Query{Center: center, RadiusM: 1000, Available: &avail})
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestUpsertRebucketsOnMove(t *testing.T) {
	ctx := context.Background()
	idx := search.NewCellIndex()

	spot := newSpot(metersNorth(100))
	require.NoError(t, idx.Upsert(ctx, spot))

	// Move the spot far outside the original query's cells.
	spot.Location = domain.GeoPoint{Lat: center.Lat + 1, Lng: center.Lng}
	require.NoError(t, idx.Upsert(ctx, spot))

	matches, err := idx.Nearby(ctx, search.Query{Center: center, RadiusM: 1000})
	require.NoError(t, err)
	require.Empty(t, matches)

	matches, err = idx.Nearby(ctx, search.Query{Center: spot.Location, RadiusM: 1000})
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	idx := search.NewCellIndex()

	spot := newSpot(metersNorth(100))
	require.NoError(t, idx.Upsert(ctx, spot))
	require.NoError(t, idx.Remove(ctx, spot.ID))
	require.NoError(t, idx.Remove(ctx, uuid.New()))

	matches, err := idx.Nearby(ctx, search.Query{Center: center, RadiusM: 1000})
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestNearbyWideRadius(t *testing.T) {
	ctx := context.Background()
	idx := search.NewCellIndex()

	// ~55km north still falls inside the 3x3 grid at the coarse precision a
	// 100km radius resolves to.
	far := newSpot(metersNorth(55000))
	require.NoError(t, idx.Upsert(ctx, far))

	matches, err := idx.Nearby(ctx, search.Query{Center: center, RadiusM: 100000})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.InDelta(t, 55000, matches[0].DistanceM, 500)
}

func TestNearbyCountrySizedRadius(t *testing.T) {
	ctx := context.Background()
	idx := search.NewCellIndex()

	origin := domain.GeoPoint{Lat: 0, Lng: 0}
	inRange := newSpot(domain.GeoPoint{Lat: 3.0, Lng: 0}) // ~333km north
	beyond := newSpot(domain.GeoPoint{Lat: 5.0, Lng: 0})  // ~556km north
	require.NoError(t, idx.Upsert(ctx, inRange))
	require.NoError(t, idx.Upsert(ctx, beyond))

	matches, err := idx.Nearby(ctx, search.Query{Center: origin, RadiusM: 400000})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, inRange.ID, matches[0].Spot.ID)
	require.InDelta(t, 333585, matches[0].DistanceM, 1000)

	matches, err = idx.Nearby(ctx, search.Query{Center: origin, RadiusM: 600000})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, inRange.ID, matches[0].Spot.ID)
	require.Equal(t, beyond.ID, matches[1].Spot.ID)
}

func TestQueryValidate(t *testing.T) {
	require.ErrorIs(t, search.Query{Center: center, RadiusM: -5}.Validate(), domain.ErrInvalidQuery)
	require.NoError(t, search.Query{Center: center, RadiusM: 50}.Validate())
}
