package notify

import (
	"google.golang.org/grpc"

	"github.com/example/smartpark/internal/spot/domain"
)

// SubscribeRequest opens an event stream. Reserved for future filter
// fields; the channel is single-topic and clients filter locally.
type SubscribeRequest struct{}

// SpotChange is the wire form of a change event.
type SpotChange struct {
	Type         string
	SpotId       string
	Lng          float64
	Lat          float64
	SpotType     string
	Available    bool
	PricePerHour float64
	Amenities    []string
	Ts           int64
}

// EventsServer defines the gRPC contract for change-event streaming.
type EventsServer interface {
	Subscribe(*SubscribeRequest, Events_SubscribeServer) error
}

// RegisterEventsServer registers the service implementation.
func RegisterEventsServer(s *grpc.Server, srv EventsServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "notify.Events",
		HandlerType: (*EventsServer)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "Subscribe",
			Handler:       _Events_Subscribe_Handler,
			ServerStreams: true,
		}},
	}, srv)
}

// Events_SubscribeServer is the server side of the event stream.
type Events_SubscribeServer interface {
	grpc.ServerStream
	Send(*SpotChange) error
}

func _Events_Subscribe_Handler(srv interface{}, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(EventsServer).Subscribe(req, &eventsSubscribeServer{ServerStream: stream})
}

type eventsSubscribeServer struct {
	grpc.ServerStream
}

func (s *eventsSubscribeServer) Send(change *SpotChange) error {
	return s.ServerStream.SendMsg(change)
}

// StreamServer bridges the broker to gRPC subscribers. Each Subscribe call
// holds its own broker subscription for the lifetime of the stream.
type StreamServer struct {
	broker *Broker
}

// NewStreamServer constructs the server.
func NewStreamServer(broker *Broker) *StreamServer {
	return &StreamServer{broker: broker}
}

// Subscribe streams change events until the client disconnects or the
// broker closes.
func (s *StreamServer) Subscribe(_ *SubscribeRequest, stream Events_SubscribeServer) error {
	events, cancel := s.broker.Subscribe()
	defer cancel()

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := stream.Send(toSpotChange(event)); err != nil {
				return err
			}
		}
	}
}

func toSpotChange(event domain.SpotEvent) *SpotChange {
	amenities := make([]string, 0, len(event.Spot.Amenities))
	for _, a := range event.Spot.Amenities {
		amenities = append(amenities, string(a))
	}
	return &SpotChange{
		Type:         string(event.Type),
		SpotId:       event.Spot.ID.String(),
		Lng:          event.Spot.Location.Lng,
		Lat:          event.Spot.Location.Lat,
		SpotType:     string(event.Spot.Type),
		Available:    event.Spot.Available,
		PricePerHour: event.Spot.PricePerHour,
		Amenities:    amenities,
		Ts:           event.OccurredAt.Unix(),
	}
}
