package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/smartpark/internal/spot/domain"
	"github.com/example/smartpark/internal/spot/repository"
	"github.com/example/smartpark/internal/spot/search"
	"github.com/example/smartpark/internal/spot/service"
)

type stubPublisher struct {
	mu     sync.Mutex
	events []domain.SpotEvent
}

func (s *stubPublisher) Publish(_ context.Context, event domain.SpotEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *stubPublisher) types() []domain.SpotEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SpotEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type stubClock struct{ t time.Time }

func (s stubClock) Now() time.Time { return s.t }

type fixture struct {
	svc          *service.Service
	spots        *repository.MemorySpotRepository
	reservations *repository.MemoryReservationRepository
	index        *search.CellIndex
	publisher    *stubPublisher
}

func newFixture() *fixture {
	spots := repository.NewMemorySpotRepository()
	reservations := repository.NewMemoryReservationRepository()
	index := search.NewCellIndex()
	publisher := &stubPublisher{}
	clock := stubClock{t: time.Unix(1700000000, 0).UTC()}
	return &fixture{
		svc:          service.New(spots, reservations, index, publisher, clock, nil),
		spots:        spots,
		reservations: reservations,
		index:        index,
		publisher:    publisher,
	}
}

func (f *fixture) createSpot(t *testing.T) domain.ParkingSpot {
	t.Helper()
	spot, err := f.svc.CreateSpot(context.Background(), service.CreateSpotRequest{
		Location:     domain.GeoPoint{Lat: 37.7749, Lng: -122.4194},
		Type:         domain.TypeStreet,
		PricePerHour: 4,
	})
	require.NoError(t, err)
	return spot
}

func interval() (time.Time, time.Time) {
	start := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	return start, start.Add(2 * time.Hour)
}

func TestCreateSpotValidation(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.CreateSpot(ctx, service.CreateSpotRequest{Type: "rooftop"})
	require.ErrorIs(t, err, domain.ErrInvalidQuery)

	_, err = f.svc.CreateSpot(ctx, service.CreateSpotRequest{Type: domain.TypeValet, PricePerHour: -1})
	require.ErrorIs(t, err, domain.ErrInvalidQuery)

	_, err = f.svc.CreateSpot(ctx, service.CreateSpotRequest{Type: domain.TypeValet, Amenities: []domain.Amenity{"jacuzzi"}})
	require.ErrorIs(t, err, domain.ErrInvalidQuery)
}

func TestBookAndCancelLifecycle(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	spot := f.createSpot(t)
	require.True(t, spot.Available)

	userID := uuid.New()
	start, end := interval()
	res, err := f.svc.Book(ctx, spot.ID, userID, start, end)
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, res.Status)
	require.Equal(t, spot.ID, res.SpotID)
	require.Equal(t, userID, res.UserID)

	booked, err := f.svc.GetSpot(ctx, spot.ID)
	require.NoError(t, err)
	require.False(t, booked.Available)

	// The index snapshot follows the committed flip.
	avail := true
	matches, err := f.svc.SearchNearby(ctx, search.Query{Center: spot.Location, RadiusM: 500, Available: &avail})
	require.NoError(t, err)
	require.Empty(t, matches)

	require.NoError(t, f.svc.Cancel(ctx, res.ID, userID))

	freed, err := f.svc.GetSpot(ctx, spot.ID)
	require.NoError(t, err)
	require.True(t, freed.Available)

	matches, err = f.svc.SearchNearby(ctx, search.Query{Center: spot.Location, RadiusM: 500, Available: &avail})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	require.Equal(t, []domain.SpotEventType{
		domain.EventSpotCreated,
		domain.EventSpotBooked,
		domain.EventSpotFreed,
	}, f.publisher.types())
}

func TestBookRejectsInvalidInterval(t *testing.T) {
	f := newFixture()
	spot := f.createSpot(t)
	start, _ := interval()

	_, err := f.svc.Book(context.Background(), spot.ID, uuid.New(), start, start)
	require.ErrorIs(t, err, domain.ErrInvalidInterval)

	_, err = f.svc.Book(context.Background(), spot.ID, uuid.New(), start, start.Add(-time.Hour))
	require.ErrorIs(t, err, domain.ErrInvalidInterval)

	// The spot was never held.
	current, err := f.svc.GetSpot(context.Background(), spot.ID)
	require.NoError(t, err)
	require.True(t, current.Available)
}

func TestBookUnknownSpot(t *testing.T) {
	f := newFixture()
	start, end := interval()
	_, err := f.svc.Book(context.Background(), uuid.New(), uuid.New(), start, end)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBookUnavailableSpot(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	spot := f.createSpot(t)
	start, end := interval()

	_, err := f.svc.Book(ctx, spot.ID, uuid.New(), start, end)
	require.NoError(t, err)

	_, err = f.svc.Book(ctx, spot.ID, uuid.New(), start, end)
	require.ErrorIs(t, err, domain.ErrSpotUnavailable)
}

func TestConcurrentBookingSingleWinner(t *testing.T) {
	f := newFixture()
	spot := f.createSpot(t)
	start, end := interval()

	const attempts = 32
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Book(context.Background(), spot.ID, uuid.New(), start, end)
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, domain.ErrSpotUnavailable):
			lost++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, attempts-1, lost)
}

func TestBookCompensatesFailedInsert(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	spot := f.createSpot(t)
	start, end := interval()

	f.reservations.FailNextCreate(errors.New("connection reset"))
	_, err := f.svc.Book(ctx, spot.ID, uuid.New(), start, end)
	require.ErrorIs(t, err, domain.ErrInternal)

	// The flip was rolled back, so the next attempt wins cleanly.
	current, err := f.svc.GetSpot(ctx, spot.ID)
	require.NoError(t, err)
	require.True(t, current.Available)

	_, err = f.svc.Book(ctx, spot.ID, uuid.New(), start, end)
	require.NoError(t, err)
}

func TestCancelOnlyByOwner(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	spot := f.createSpot(t)
	owner := uuid.New()
	start, end := interval()

	res, err := f.svc.Book(ctx, spot.ID, owner, start, end)
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.Cancel(ctx, res.ID, uuid.New()), domain.ErrForbidden)

	// Still held.
	current, err := f.svc.GetSpot(ctx, spot.ID)
	require.NoError(t, err)
	require.False(t, current.Available)

	require.NoError(t, f.svc.Cancel(ctx, res.ID, owner))
}

func TestCancelTwice(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	spot := f.createSpot(t)
	owner := uuid.New()
	start, end := interval()

	res, err := f.svc.Book(ctx, spot.ID, owner, start, end)
	require.NoError(t, err)
	require.NoError(t, f.svc.Cancel(ctx, res.ID, owner))
	require.ErrorIs(t, f.svc.Cancel(ctx, res.ID, owner), domain.ErrAlreadyCancelled)
}

func TestCancelUnknownReservation(t *testing.T) {
	f := newFixture()
	require.ErrorIs(t, f.svc.Cancel(context.Background(), uuid.New(), uuid.New()), domain.ErrNotFound)
}

func TestUpdateSpotPublishesOnlyAvailabilityChanges(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	spot := f.createSpot(t)

	price := 9.5
	_, err := f.svc.UpdateSpot(ctx, spot.ID, domain.SpotUpdate{PricePerHour: &price})
	require.NoError(t, err)
	require.Equal(t, []domain.SpotEventType{domain.EventSpotCreated}, f.publisher.types())

	unavailable := false
	updated, err := f.svc.UpdateSpot(ctx, spot.ID, domain.SpotUpdate{Available: &unavailable})
	require.NoError(t, err)
	require.False(t, updated.Available)
	require.Equal(t, []domain.SpotEventType{domain.EventSpotCreated, domain.EventSpotUpdated}, f.publisher.types())
}

func TestUpdateSpotValidation(t *testing.T) {
	f := newFixture()
	spot := f.createSpot(t)

	bad := domain.SpotType("floating")
	_, err := f.svc.UpdateSpot(context.Background(), spot.ID, domain.SpotUpdate{Type: &bad})
	require.ErrorIs(t, err, domain.ErrInvalidQuery)

	price := -3.0
	_, err = f.svc.UpdateSpot(context.Background(), spot.ID, domain.SpotUpdate{PricePerHour: &price})
	require.ErrorIs(t, err, domain.ErrInvalidQuery)
}

func TestDistanceTo(t *testing.T) {
	f := newFixture()
	spot := f.createSpot(t)

	from := domain.GeoPoint{Lat: spot.Location.Lat + 0.0045, Lng: spot.Location.Lng}
	_, meters, err := f.svc.DistanceTo(context.Background(), spot.ID, from)
	require.NoError(t, err)
	require.InDelta(t, 500, meters, 10)

	_, _, err = f.svc.DistanceTo(context.Background(), uuid.New(), from)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUserReservationsNewestFirst(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	owner := uuid.New()
	start, end := interval()

	first := f.createSpot(t)
	second := f.createSpot(t)
	resA, err := f.svc.Book(ctx, first.ID, owner, start, end)
	require.NoError(t, err)
	resB, err := f.svc.Book(ctx, second.ID, owner, start, end)
	require.NoError(t, err)

	list, err := f.svc.UserReservations(ctx, owner)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, resB.ID, list[0].ID)
	require.Equal(t, resA.ID, list[1].ID)
}

func TestSpotHistoryWindow(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	spot := f.createSpot(t)
	owner := uuid.New()
	start, end := interval()

	for i := 0; i < 55; i++ {
		res, err := f.svc.Book(ctx, spot.ID, owner, start, end)
		require.NoError(t, err)
		require.NoError(t, f.svc.Cancel(ctx, res.ID, owner))
	}

	history, err := f.svc.SpotHistory(ctx, spot.ID)
	require.NoError(t, err)
	require.Len(t, history, 50)

	_, err = f.svc.SpotHistory(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLoadIndexSeedsSearch(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	seeded := domain.ParkingSpot{
		ID:        uuid.New(),
		Location:  domain.GeoPoint{Lat: 37.7749, Lng: -122.4194},
		Type:      domain.TypeIndoor,
		Available: true,
		CreatedAt: time.Now().UTC(),
	}
	_, err := f.spots.Create(ctx, seeded)
	require.NoError(t, err)

	require.NoError(t, f.svc.LoadIndex(ctx))

	matches, err := f.svc.SearchNearby(ctx, search.Query{Center: seeded.Location, RadiusM: 500})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, seeded.ID, matches[0].Spot.ID)
}
