package notify

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/smartpark/internal/spot/domain"
)

func event(typ domain.SpotEventType) domain.SpotEvent {
	return domain.SpotEvent{
		Type:       typ,
		Spot:       domain.ParkingSpot{ID: uuid.New()},
		OccurredAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestBrokerFanOutPreservesOrder(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	chA, cancelA := broker.Subscribe()
	defer cancelA()
	chB, cancelB := broker.Subscribe()
	defer cancelB()

	sequence := []domain.SpotEventType{domain.EventSpotBooked, domain.EventSpotFreed, domain.EventSpotBooked}
	for _, typ := range sequence {
		require.NoError(t, broker.Publish(context.Background(), event(typ)))
	}

	for _, ch := range []<-chan domain.SpotEvent{chA, chB} {
		for _, want := range sequence {
			select {
			case got := <-ch:
				require.Equal(t, want, got.Type)
			case <-time.After(time.Second):
				t.Fatal("expected event")
			}
		}
	}
}

func TestBrokerDropsWhenSubscriberFull(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	ch, cancel := broker.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+5; i++ {
		require.NoError(t, broker.Publish(context.Background(), event(domain.EventSpotBooked)))
	}

	var received int
	for {
		select {
		case <-ch:
			received++
		default:
			require.Equal(t, subscriberBuffer, received)
			return
		}
	}
}

func TestBrokerSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	_, cancelSlow := broker.Subscribe()
	defer cancelSlow()
	fast, cancelFast := broker.Subscribe()
	defer cancelFast()

	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, broker.Publish(context.Background(), event(domain.EventSpotFreed)))
	}

	select {
	case got := <-fast:
		require.Equal(t, domain.EventSpotFreed, got.Type)
	case <-time.After(time.Second):
		t.Fatal("fast subscriber starved")
	}
}

func TestSubscribeCancelIsIdempotent(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	ch, cancel := broker.Subscribe()
	cancel()
	cancel()

	_, open := <-ch
	require.False(t, open)

	// Publishing after cancel must not panic or deliver.
	require.NoError(t, broker.Publish(context.Background(), event(domain.EventSpotBooked)))
}

func TestCloseDropsSubscribers(t *testing.T) {
	broker := NewBroker()
	ch, cancel := broker.Subscribe()
	defer cancel()

	broker.Close()
	_, open := <-ch
	require.False(t, open)

	require.NoError(t, broker.Publish(context.Background(), event(domain.EventSpotBooked)))

	lateCh, lateCancel := broker.Subscribe()
	defer lateCancel()
	_, open = <-lateCh
	require.False(t, open)
}
