package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dreamforge/dreamforge-api/internal/pkg/logger"
)

// Service wraps the repository with logging. Settlement mistakes (commit of a
// released reservation and the reverse) are logged as fatal for investigation
// before being returned to the caller.
type Service struct {
	repo *Repository
}

func NewService(repo *Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) GetAccount(ctx context.Context, userID uuid.UUID) (*Account, error) {
	return s.repo.GetAccount(ctx, userID)
}

func (s *Service) Reserve(ctx context.Context, userID uuid.UUID, amount int64) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, ErrInvalidAmount
	}

	id, err := s.repo.Reserve(ctx, userID, amount)
	if err != nil {
		return uuid.Nil, err
	}

	log.Info().
		Str("user_id", userID.String()).
		Str("reservation_id", id.String()).
		Int64("amount", amount).
		Msg("credits reserved")
	return id, nil
}

func (s *Service) Commit(ctx context.Context, reservationID uuid.UUID) error {
	if err := s.repo.Commit(ctx, reservationID); err != nil {
		if errors.Is(err, ErrInvalidReservationState) {
			logger.LogInvariantViolation(ctx, err, "commit on non-held reservation",
				"reservation_id", reservationID.String())
		}
		return err
	}

	log.Info().Str("reservation_id", reservationID.String()).Msg("reservation committed")
	return nil
}

func (s *Service) Release(ctx context.Context, reservationID uuid.UUID) error {
	if err := s.repo.Release(ctx, reservationID); err != nil {
		if errors.Is(err, ErrInvalidReservationState) {
			logger.LogInvariantViolation(ctx, err, "release on non-held reservation",
				"reservation_id", reservationID.String())
		}
		return err
	}

	log.Info().Str("reservation_id", reservationID.String()).Msg("reservation released")
	return nil
}

func (s *Service) Grant(ctx context.Context, userID uuid.UUID, amount int64) error {
	if err := s.repo.Grant(ctx, userID, amount); err != nil {
		return err
	}

	log.Info().Str("user_id", userID.String()).Int64("amount", amount).Msg("credits granted")
	return nil
}

func (s *Service) ListReservations(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Reservation, error) {
	return s.repo.ListReservations(ctx, userID, limit, offset)
}
