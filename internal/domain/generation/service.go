package generation

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dreamforge/dreamforge-api/internal/domain/provider"
)

// CreditLedger is the slice of the ledger the orchestrator settles against.
type CreditLedger interface {
	Reserve(ctx context.Context, userID uuid.UUID, amount int64) (uuid.UUID, error)
	Commit(ctx context.Context, reservationID uuid.UUID) error
	Release(ctx context.Context, reservationID uuid.UUID) error
}

// EntitlementChecker answers whether a user bypasses credit accounting.
type EntitlementChecker interface {
	HasUnlimited(ctx context.Context, userID uuid.UUID) (bool, error)
}

// TerminalNotifier fans out an applied terminal transition to the owning
// client. Implementations must return quickly and never fail settlement.
type TerminalNotifier interface {
	GenerationFinished(rec *Record)
}

// Config tunes the orchestrator's post-dispatch poll loop and the authoritative
// timeout boundary enforced by the sweeper.
type Config struct {
	PollAttempts    int
	PollBaseBackoff time.Duration
	MaxRecordAge    time.Duration
}

// Service drives a generation from admission through terminal state.
//
// Settlement ordering is the load-bearing rule: the ledger is touched only
// after TransitionTerminal reports applied=true, so when the service and the
// sweeper observe the same provider completion, exactly one of them settles.
type Service struct {
	store        Store
	ledger       CreditLedger
	entitlements EntitlementChecker
	providers    *provider.Registry
	notifier     TerminalNotifier
	config       Config
}

func NewService(store Store, ledger CreditLedger, entitlements EntitlementChecker, providers *provider.Registry, notifier TerminalNotifier, config Config) *Service {
	if config.PollAttempts <= 0 {
		config.PollAttempts = 5
	}
	if config.PollBaseBackoff <= 0 {
		config.PollBaseBackoff = 2 * time.Second
	}
	if config.MaxRecordAge <= 0 {
		config.MaxRecordAge = 15 * time.Minute
	}
	return &Service{
		store:        store,
		ledger:       ledger,
		entitlements: entitlements,
		providers:    providers,
		notifier:     notifier,
		config:       config,
	}
}

// Submit admits, reserves and dispatches a generation request.
//
// A rejected admission (insufficient credits, bad kind) leaves no trace: no
// record, no reservation. A provider-rejected submission produces a record
// born failed with the reservation released; processing is skipped.
func (s *Service) Submit(ctx context.Context, userID uuid.UUID, kind Kind, providerName string, input []byte) (*Record, error) {
	if !ValidKind(kind) {
		return nil, ErrInvalidKind
	}

	var adapter provider.Adapter
	var err error
	if providerName != "" {
		adapter, err = s.providers.Get(providerName)
	} else {
		adapter, err = s.providers.ForKind(string(kind))
	}
	if err != nil {
		return nil, err
	}

	unlimited, err := s.entitlements.HasUnlimited(ctx, userID)
	if err != nil {
		return nil, err
	}

	var reservationID uuid.NullUUID
	if !unlimited {
		id, err := s.ledger.Reserve(ctx, userID, CostForKind(kind))
		if err != nil {
			return nil, err
		}
		reservationID = uuid.NullUUID{UUID: id, Valid: true}
	}

	rec := &Record{
		ID:            uuid.New(),
		UserID:        userID,
		Kind:          kind,
		Provider:      adapter.Name(),
		State:         StateProcessing,
		ReservationID: reservationID,
		CreatedAt:     time.Now(),
	}

	taskID, err := adapter.Submit(ctx, provider.JobSpec{Kind: string(kind), Input: input})
	if err != nil {
		log.Warn().
			Err(err).
			Str("user_id", userID.String()).
			Str("provider", adapter.Name()).
			Str("kind", string(kind)).
			Msg("provider rejected submission")

		rec.State = StateFailed
		rec.FailureReason = sql.NullString{String: ReasonSubmissionFailed, Valid: true}
		rec.TerminalAt = sql.NullTime{Time: time.Now(), Valid: true}
		if createErr := s.store.Create(ctx, rec); createErr != nil {
			return nil, createErr
		}
		if reservationID.Valid {
			if relErr := s.ledger.Release(ctx, reservationID.UUID); relErr != nil {
				log.Error().Err(relErr).Str("reservation_id", reservationID.UUID.String()).
					Msg("failed to release reservation after rejected submission")
			}
		}
		s.notify(rec)
		return rec, nil
	}

	rec.ProviderTaskID = taskID
	if err := s.store.Create(ctx, rec); err != nil {
		// The provider accepted the job but we lost the record. Refund; the
		// orphaned provider task burns out on its own.
		if reservationID.Valid {
			if relErr := s.ledger.Release(ctx, reservationID.UUID); relErr != nil {
				log.Error().Err(relErr).Str("reservation_id", reservationID.UUID.String()).
					Msg("failed to release reservation after record insert failure")
			}
		}
		return nil, err
	}

	log.Info().
		Str("generation_id", rec.ID.String()).
		Str("user_id", userID.String()).
		Str("provider", rec.Provider).
		Str("provider_task_id", taskID).
		Str("kind", string(kind)).
		Msg("generation dispatched")

	go s.pollUntilTerminal(rec.ID)

	return rec, nil
}

// pollUntilTerminal is the short post-dispatch loop that catches fast jobs
// cheaply. Bounded attempts with exponential backoff; anything it misses is
// picked up by the provider callback or the sweeper.
func (s *Service) pollUntilTerminal(recordID uuid.UUID) {
	backoff := s.config.PollBaseBackoff

	for attempt := 0; attempt < s.config.PollAttempts; attempt++ {
		time.Sleep(backoff)
		backoff *= 2

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		done := s.pollOnce(ctx, recordID)
		cancel()
		if done {
			return
		}
	}
}

func (s *Service) pollOnce(ctx context.Context, recordID uuid.UUID) bool {
	rec, err := s.store.GetByID(ctx, recordID)
	if err != nil {
		log.Error().Err(err).Str("generation_id", recordID.String()).Msg("poll loop: load record")
		return false
	}
	if rec.State.IsTerminal() {
		return true
	}

	adapter, err := s.providers.Get(rec.Provider)
	if err != nil {
		log.Error().Err(err).Str("generation_id", recordID.String()).Msg("poll loop: resolve provider")
		return true
	}

	result, err := adapter.Poll(ctx, rec.ProviderTaskID)
	if err != nil {
		// Transient: retried on the next attempt, or by the sweeper.
		log.Debug().Err(err).Str("generation_id", recordID.String()).Msg("poll loop: transient poll error")
		return false
	}

	s.applyOutcome(ctx, rec, result)
	return result.State != provider.TaskRunning
}

// applyOutcome feeds one observed provider status through the terminal
// compare-and-swap and settles when the swap applied. Both the poll paths and
// the webhook path converge here.
func (s *Service) applyOutcome(ctx context.Context, rec *Record, result provider.PollResult) {
	switch result.State {
	case provider.TaskSucceeded:
		s.finish(ctx, rec, StateCompleted, result.Output, "")

	case provider.TaskFailed:
		reason := result.Reason
		if reason == "" {
			reason = "provider reported failure"
		}
		s.finish(ctx, rec, StateFailed, "", reason)

	case provider.TaskRunning:
		// A cancellation request is honored only while the provider is still
		// running; a completion observed first wins.
		if rec.CancelRequested {
			s.finish(ctx, rec, StateFailed, "", ReasonCancelled)
		}
	}
}

func (s *Service) finish(ctx context.Context, rec *Record, state State, output, reason string) {
	applied, err := s.store.TransitionTerminal(ctx, rec.ID, state, output, reason)
	if err != nil {
		log.Error().Err(err).Str("generation_id", rec.ID.String()).Msg("terminal transition failed")
		return
	}
	if !applied {
		// Someone else won the race and already settled.
		return
	}

	s.settle(ctx, rec, state)

	log.Info().
		Str("generation_id", rec.ID.String()).
		Str("state", string(state)).
		Str("reason", reason).
		Msg("generation finished")

	if fresh, err := s.store.GetByID(ctx, rec.ID); err == nil {
		s.notify(fresh)
	}
}

// settle commits on completion and releases on failure, exactly once per
// record because only the applied=true caller reaches here. Unlimited
// entitlement records have no reservation and skip the ledger entirely.
func (s *Service) settle(ctx context.Context, rec *Record, state State) {
	if !rec.ReservationID.Valid {
		return
	}

	var err error
	if state == StateCompleted {
		err = s.ledger.Commit(ctx, rec.ReservationID.UUID)
	} else {
		err = s.ledger.Release(ctx, rec.ReservationID.UUID)
	}
	if err != nil {
		log.Error().Err(err).
			Str("generation_id", rec.ID.String()).
			Str("reservation_id", rec.ReservationID.UUID.String()).
			Msg("reservation settlement failed")
	}
}

// notify fans out asynchronously; notifier failures never reach settlement.
func (s *Service) notify(rec *Record) {
	if s.notifier == nil {
		return
	}
	s.notifier.GenerationFinished(rec)
}

// HandleCallback routes a provider webhook through the same terminal logic as
// polling. Unknown provider refs are acknowledged and dropped; replays against
// terminal records are no-ops.
func (s *Service) HandleCallback(ctx context.Context, providerName string, payload []byte) error {
	parser, err := s.providers.Callback(providerName)
	if err != nil {
		return err
	}

	taskID, result, err := parser.ParseCallback(payload)
	if err != nil {
		return err
	}

	rec, err := s.store.GetByProviderRef(ctx, providerName, taskID)
	if errors.Is(err, ErrNotFound) {
		log.Warn().
			Str("provider", providerName).
			Str("provider_task_id", taskID).
			Msg("callback for unknown provider ref")
		return nil
	}
	if err != nil {
		return err
	}

	if rec.State.IsTerminal() {
		return nil
	}

	s.applyOutcome(ctx, rec, result)
	return nil
}

// Reconcile re-drives one stuck record: force-fails past the timeout boundary,
// otherwise re-polls the provider. Transient poll errors are returned so the
// sweeper retries on its next pass.
func (s *Service) Reconcile(ctx context.Context, rec *Record) error {
	if rec.State.IsTerminal() {
		return nil
	}

	if time.Since(rec.CreatedAt) > s.config.MaxRecordAge {
		s.finish(ctx, rec, StateFailed, "", ReasonTimeout)
		return nil
	}

	adapter, err := s.providers.Get(rec.Provider)
	if err != nil {
		return err
	}

	result, err := adapter.Poll(ctx, rec.ProviderTaskID)
	if err != nil {
		return err
	}

	s.applyOutcome(ctx, rec, result)
	return nil
}

// GetForUser returns the user's record; ownership mismatches read as not found.
func (s *Service) GetForUser(ctx context.Context, userID, recordID uuid.UUID) (*Record, error) {
	rec, err := s.store.GetByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrNotFound
	}
	return rec, nil
}

// ListForUser returns the user's generation history, newest first.
func (s *Service) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Record, error) {
	return s.store.ListByUser(ctx, userID, limit, offset)
}

// Cancel requests cancellation of a processing generation. Advisory: it races
// with provider completion and loses to an observed success.
func (s *Service) Cancel(ctx context.Context, userID, recordID uuid.UUID) error {
	rec, err := s.GetForUser(ctx, userID, recordID)
	if err != nil {
		return err
	}
	if rec.State.IsTerminal() {
		return ErrAlreadyTerminal
	}

	applied, err := s.store.RequestCancel(ctx, rec.ID)
	if err != nil {
		return err
	}
	if !applied {
		return ErrAlreadyTerminal
	}

	log.Info().
		Str("generation_id", rec.ID.String()).
		Str("user_id", userID.String()).
		Msg("cancellation requested")
	return nil
}
