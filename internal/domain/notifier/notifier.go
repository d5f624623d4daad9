package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dreamforge/dreamforge-api/internal/domain/generation"
	"github.com/dreamforge/dreamforge-api/internal/pkg/push"
)

const fanOutTimeout = 15 * time.Second

// PushSender delivers one push message.
type PushSender interface {
	Send(ctx context.Context, msg *push.PushMessage) error
}

// DeviceStore is the slice of device persistence the fan-out needs.
type DeviceStore interface {
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]Device, error)
	Deactivate(ctx context.Context, token string) error
}

// RealtimePublisher delivers an event to a connected user.
type RealtimePublisher interface {
	SendToUser(userID uuid.UUID, payload any) error
}

// Event is the realtime payload sent when a generation reaches a terminal
// state.
type Event struct {
	Type       string                    `json:"type"`
	Generation generation.RecordResponse `json:"generation"`
}

const EventGenerationFinished = "generation.finished"

// Service fans a terminal generation out to every delivery channel. Delivery
// is best effort on all channels; failures are logged and never propagate
// back into settlement.
type Service struct {
	devices  DeviceStore
	push     PushSender
	realtime RealtimePublisher
}

func NewService(devices DeviceStore, pushSender PushSender, realtime RealtimePublisher) *Service {
	return &Service{devices: devices, push: pushSender, realtime: realtime}
}

// GenerationFinished implements the orchestrator's notifier contract. It
// returns immediately; delivery happens in the background.
func (s *Service) GenerationFinished(rec *generation.Record) {
	go s.fanOut(rec)
}

func (s *Service) fanOut(rec *generation.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), fanOutTimeout)
	defer cancel()

	event := Event{
		Type:       EventGenerationFinished,
		Generation: generation.ToResponse(rec),
	}

	if s.realtime != nil {
		if err := s.realtime.SendToUser(rec.UserID, event); err != nil {
			log.Warn().Err(err).
				Str("generation_id", rec.ID.String()).
				Msg("realtime delivery failed")
		}
	}

	if s.push != nil && s.devices != nil {
		s.sendPush(ctx, rec)
	}
}

func (s *Service) sendPush(ctx context.Context, rec *generation.Record) {
	devices, err := s.devices.ListActiveByUser(ctx, rec.UserID)
	if err != nil {
		log.Error().Err(err).
			Str("user_id", rec.UserID.String()).
			Msg("failed to list device tokens")
		return
	}

	title, body := pushText(rec)
	data := map[string]string{
		"type":          EventGenerationFinished,
		"generation_id": rec.ID.String(),
		"state":         string(rec.State),
	}

	for _, device := range devices {
		msg := &push.PushMessage{
			Token: device.Token,
			Title: title,
			Body:  body,
			Data:  data,
		}
		if err := s.push.Send(ctx, msg); err != nil {
			if errors.Is(err, push.ErrInvalidToken) {
				// Dead token: drop the registration so we stop paying for it.
				if deactErr := s.devices.Deactivate(ctx, device.Token); deactErr != nil {
					log.Error().Err(deactErr).Msg("failed to deactivate dead device token")
				}
				continue
			}
			log.Warn().Err(err).
				Str("generation_id", rec.ID.String()).
				Msg("push delivery failed")
		}
	}
}

func pushText(rec *generation.Record) (title, body string) {
	if rec.State == generation.StateCompleted {
		return "Generation complete", fmt.Sprintf("Your %s is ready", rec.Kind)
	}
	if rec.FailureReason.Valid && rec.FailureReason.String == generation.ReasonCancelled {
		return "Generation cancelled", fmt.Sprintf("Your %s generation was cancelled", rec.Kind)
	}
	return "Generation failed", fmt.Sprintf("Your %s generation did not finish. Credits were returned.", rec.Kind)
}
