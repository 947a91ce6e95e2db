package outbox

import (
	"context"
	"fmt"
)

// Replayer resets events for redelivery.
type Replayer interface {
	Store
	ReplayEvent(ctx context.Context, eventID int64) error
}

// ReplayService republishes outbox events on demand.
type ReplayService struct {
	store     Replayer
	publisher Publisher
}

func NewReplayService(store Replayer, publisher Publisher) *ReplayService {
	return &ReplayService{store: store, publisher: publisher}
}

// ReplayEvent publishes the event immediately, whatever its status.
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64) error {
	event, err := s.store.GetEventByID(ctx, eventID)
	if err != nil {
		return err
	}

	if err := publishEvent(ctx, s.publisher, event); err != nil {
		// back to pending so the dispatcher keeps trying
		if resetErr := s.store.ReplayEvent(ctx, eventID); resetErr != nil {
			return fmt.Errorf("failed to publish and reset: %w (reset error: %v)", err, resetErr)
		}
		return err
	}

	if err := s.store.MarkAsSent(ctx, eventID); err != nil {
		return fmt.Errorf("failed to mark as sent: %w", err)
	}
	return nil
}

// ReplayFailedEvents replays up to limit failed events and returns how many
// were published.
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.store.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	replayed := 0
	for _, event := range events {
		if err := s.ReplayEvent(ctx, event.ID); err != nil {
			continue
		}
		replayed++
	}
	return replayed, nil
}
