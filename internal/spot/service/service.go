package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/smartpark/internal/spot/domain"
	"github.com/example/smartpark/internal/spot/geo"
	"github.com/example/smartpark/internal/spot/search"
)

// historyWindow caps per-spot reservation history.
const historyWindow = 50

// Service coordinates spot search and the booking state machine between
// handlers, stores, the spatial index and the change notifier.
type Service struct {
	spots        domain.SpotRepository
	reservations domain.ReservationRepository
	index        search.SpotIndex
	events       domain.EventPublisher
	clock        domain.Clock
	logger       *zap.Logger
}

// New constructs a Service with the required collaborators.
func New(spots domain.SpotRepository, reservations domain.ReservationRepository, index search.SpotIndex, events domain.EventPublisher, clock domain.Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{spots: spots, reservations: reservations, index: index, events: events, clock: clock, logger: logger}
}

// LoadIndex seeds the spatial index from the spot store. Called once at
// startup before the service takes traffic.
func (s *Service) LoadIndex(ctx context.Context) error {
	spots, err := s.spots.List(ctx)
	if err != nil {
		return fmt.Errorf("load spots: %w", err)
	}
	for _, spot := range spots {
		if err := s.index.Upsert(ctx, spot); err != nil {
			return fmt.Errorf("index spot %s: %w", spot.ID, err)
		}
	}
	return nil
}

// CreateSpotRequest carries the attributes of a new spot. Available
// defaults to true when nil.
type CreateSpotRequest struct {
	Location     domain.GeoPoint
	Type         domain.SpotType
	Available    *bool
	PricePerHour float64
	Amenities    []domain.Amenity
}

// CreateSpot inserts a new spot and indexes it.
func (s *Service) CreateSpot(ctx context.Context, req CreateSpotRequest) (domain.ParkingSpot, error) {
	if !req.Type.Valid() {
		return domain.ParkingSpot{}, fmt.Errorf("%w: unknown spot type %q", domain.ErrInvalidQuery, req.Type)
	}
	if req.PricePerHour < 0 {
		return domain.ParkingSpot{}, fmt.Errorf("%w: negative price", domain.ErrInvalidQuery)
	}
	for _, a := range req.Amenities {
		if !a.Valid() {
			return domain.ParkingSpot{}, fmt.Errorf("%w: unknown amenity %q", domain.ErrInvalidQuery, a)
		}
	}

	available := true
	if req.Available != nil {
		available = *req.Available
	}
	spot := domain.ParkingSpot{
		ID:           uuid.New(),
		Location:     req.Location,
		Type:         req.Type,
		Available:    available,
		PricePerHour: req.PricePerHour,
		Amenities:    append([]domain.Amenity(nil), req.Amenities...),
		CreatedAt:    s.clock.Now(),
	}

	created, err := s.spots.Create(ctx, spot)
	if err != nil {
		return domain.ParkingSpot{}, fmt.Errorf("create spot: %w", err)
	}
	if err := s.index.Upsert(ctx, created); err != nil {
		s.logger.Error("index upsert failed", zap.Error(err), zap.String("spot_id", created.ID.String()))
	}
	s.publish(ctx, domain.EventSpotCreated, created)
	return created, nil
}

// GetSpot returns the spot by id.
func (s *Service) GetSpot(ctx context.Context, id uuid.UUID) (domain.ParkingSpot, error) {
	return s.spots.GetByID(ctx, id)
}

// ListSpots returns all spots; pagination is the handler's concern.
func (s *Service) ListSpots(ctx context.Context) ([]domain.ParkingSpot, error) {
	return s.spots.List(ctx)
}

// UpdateSpot merges the provided attributes. A change event fires only when
// the availability flag actually changed. Booking-driven flips never go
// through this path; they use the conditional primitive in Book/Cancel.
func (s *Service) UpdateSpot(ctx context.Context, id uuid.UUID, update domain.SpotUpdate) (domain.ParkingSpot, error) {
	if update.Type != nil && !update.Type.Valid() {
		return domain.ParkingSpot{}, fmt.Errorf("%w: unknown spot type %q", domain.ErrInvalidQuery, *update.Type)
	}
	if update.PricePerHour != nil && *update.PricePerHour < 0 {
		return domain.ParkingSpot{}, fmt.Errorf("%w: negative price", domain.ErrInvalidQuery)
	}

	prev, err := s.spots.GetByID(ctx, id)
	if err != nil {
		return domain.ParkingSpot{}, err
	}
	updated, err := s.spots.Update(ctx, id, update)
	if err != nil {
		return domain.ParkingSpot{}, err
	}
	if err := s.index.Upsert(ctx, updated); err != nil {
		s.logger.Error("index upsert failed", zap.Error(err), zap.String("spot_id", id.String()))
	}
	if prev.Available != updated.Available {
		s.publish(ctx, domain.EventSpotUpdated, updated)
	}
	return updated, nil
}

// SearchNearby answers a radius query. An empty result is not an error;
// callers decide whether to surface it as not-found.
func (s *Service) SearchNearby(ctx context.Context, q search.Query) ([]search.Match, error) {
	start := time.Now()
	defer func() { searchDuration.Observe(time.Since(start).Seconds()) }()
	return s.index.Nearby(ctx, q)
}

// DistanceTo returns the spot and its distance in meters from the point.
func (s *Service) DistanceTo(ctx context.Context, spotID uuid.UUID, from domain.GeoPoint) (domain.ParkingSpot, float64, error) {
	spot, err := s.spots.GetByID(ctx, spotID)
	if err != nil {
		return domain.ParkingSpot{}, 0, err
	}
	return spot, geo.Distance(from, spot.Location), nil
}

// Book reserves a spot for the user over [start, end).
//
// The availability flip and the reservation insert are not one transaction;
// the conditional flip is the race arbiter and a failed insert is
// compensated by flipping back. The tail after the flip runs on a context
// detached from caller cancellation so an upstream timeout cannot leave the
// spot flipped with no reservation.
func (s *Service) Book(ctx context.Context, spotID, userID uuid.UUID, start, end time.Time) (domain.Reservation, error) {
	if !end.After(start) {
		bookingAttempts.WithLabelValues("invalid_interval").Inc()
		return domain.Reservation{}, domain.ErrInvalidInterval
	}

	if _, err := s.spots.GetByID(ctx, spotID); err != nil {
		bookingAttempts.WithLabelValues("not_found").Inc()
		return domain.Reservation{}, err
	}

	flipped, err := s.spots.ConditionalSetAvailable(ctx, spotID, true, false)
	if err != nil {
		bookingAttempts.WithLabelValues("error").Inc()
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Reservation{}, err
		}
		return domain.Reservation{}, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	if !flipped {
		bookingAttempts.WithLabelValues("unavailable").Inc()
		return domain.Reservation{}, domain.ErrSpotUnavailable
	}

	// Point of no return: the spot is held. Finish or roll back regardless
	// of caller cancellation.
	tail := context.WithoutCancel(ctx)

	res := domain.Reservation{
		ID:        uuid.New(),
		SpotID:    spotID,
		UserID:    userID,
		StartTime: start,
		EndTime:   end,
		Status:    domain.StatusActive,
		CreatedAt: s.clock.Now(),
	}
	created, err := s.reservations.Create(tail, res)
	if err != nil {
		bookingAttempts.WithLabelValues("error").Inc()
		s.logger.Error("reservation insert failed, reverting flip",
			zap.Error(err), zap.String("spot_id", spotID.String()))
		if _, revertErr := s.spots.ConditionalSetAvailable(tail, spotID, false, true); revertErr != nil {
			s.logger.Error("availability revert failed", zap.Error(revertErr), zap.String("spot_id", spotID.String()))
		} else {
			s.refreshIndex(tail, spotID)
		}
		return domain.Reservation{}, fmt.Errorf("%w: persist reservation: %v", domain.ErrInternal, err)
	}

	bookingAttempts.WithLabelValues("booked").Inc()
	s.refreshIndex(tail, spotID)
	s.publishCurrent(tail, domain.EventSpotBooked, spotID)
	return created, nil
}

// Cancel transitions an active reservation to cancelled and restores the
// spot's availability. Only the reservation's owner may cancel; cancelling
// twice fails with ErrAlreadyCancelled rather than re-freeing the spot.
func (s *Service) Cancel(ctx context.Context, reservationID, userID uuid.UUID) error {
	res, err := s.reservations.GetByID(ctx, reservationID)
	if err != nil {
		return err
	}
	if res.UserID != userID {
		return domain.ErrForbidden
	}
	if res.Status == domain.StatusCancelled {
		return domain.ErrAlreadyCancelled
	}

	res.Status = domain.StatusCancelled
	if _, err := s.reservations.Update(ctx, res); err != nil {
		return fmt.Errorf("%w: update reservation: %v", domain.ErrInternal, err)
	}

	tail := context.WithoutCancel(ctx)
	// Restore always succeeds logically: either the flag flips false->true
	// here, or it was already true and the flip is a no-op. No competing
	// writer can hold the spot across a cancellation edge under the
	// single-active-reservation model.
	if _, err := s.spots.ConditionalSetAvailable(tail, res.SpotID, false, true); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Spot deleted administratively; the reservation is cancelled
			// either way.
			s.logger.Warn("cancelled reservation for missing spot", zap.String("spot_id", res.SpotID.String()))
			return nil
		}
		return fmt.Errorf("%w: restore availability: %v", domain.ErrInternal, err)
	}
	s.refreshIndex(tail, res.SpotID)
	s.publishCurrent(tail, domain.EventSpotFreed, res.SpotID)
	return nil
}

// UserReservations returns the user's reservation history, newest first.
func (s *Service) UserReservations(ctx context.Context, userID uuid.UUID) ([]domain.Reservation, error) {
	return s.reservations.ListByUser(ctx, userID)
}

// SpotHistory returns the spot's recent reservations, newest first.
func (s *Service) SpotHistory(ctx context.Context, spotID uuid.UUID) ([]domain.Reservation, error) {
	if _, err := s.spots.GetByID(ctx, spotID); err != nil {
		return nil, err
	}
	return s.reservations.ListBySpot(ctx, spotID, historyWindow)
}

func (s *Service) refreshIndex(ctx context.Context, spotID uuid.UUID) {
	spot, err := s.spots.GetByID(ctx, spotID)
	if err != nil {
		s.logger.Error("index refresh read failed", zap.Error(err), zap.String("spot_id", spotID.String()))
		return
	}
	if err := s.index.Upsert(ctx, spot); err != nil {
		s.logger.Error("index refresh failed", zap.Error(err), zap.String("spot_id", spotID.String()))
	}
}

// publishCurrent re-reads the spot so the event snapshot reflects the
// committed state, then publishes.
func (s *Service) publishCurrent(ctx context.Context, typ domain.SpotEventType, spotID uuid.UUID) {
	spot, err := s.spots.GetByID(ctx, spotID)
	if err != nil {
		s.logger.Error("event snapshot read failed", zap.Error(err), zap.String("spot_id", spotID.String()))
		return
	}
	s.publish(ctx, typ, spot)
}

func (s *Service) publish(ctx context.Context, typ domain.SpotEventType, spot domain.ParkingSpot) {
	if s.events == nil {
		return
	}
	event := domain.SpotEvent{Type: typ, Spot: spot, OccurredAt: s.clock.Now()}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("event publish failed", zap.Error(err), zap.String("spot_id", spot.ID.String()))
	}
}
