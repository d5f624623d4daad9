package generation

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const sweepBatchSize = 100

// Sweeper is the reconciliation safety net. It periodically picks up
// processing records older than a grace period and pushes each one through the
// service's Reconcile path, so a crashed poll loop or a dropped webhook can
// never strand a reservation.
type Sweeper struct {
	service     *Service
	store       Store
	interval    time.Duration
	gracePeriod time.Duration
	stopCh      chan struct{}
}

// NewSweeper creates a sweeper over the given service and store.
func NewSweeper(service *Service, store Store, interval, gracePeriod time.Duration) *Sweeper {
	if interval == 0 {
		interval = 30 * time.Second
	}
	if gracePeriod == 0 {
		gracePeriod = 1 * time.Minute
	}
	return &Sweeper{
		service:     service,
		store:       store,
		interval:    interval,
		gracePeriod: gracePeriod,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (s *Sweeper) Start() {
	log.Info().
		Dur("interval", s.interval).
		Dur("grace_period", s.gracePeriod).
		Msg("Starting generation sweeper...")
	go s.loop()
}

// Stop gracefully stops the sweeper.
func (s *Sweeper) Stop() {
	log.Info().Msg("Stopping generation sweeper...")
	close(s.stopCh)
}

func (s *Sweeper) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run once immediately on startup to drain anything a previous process
	// left behind.
	s.Sweep()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

// Sweep runs one reconciliation pass. Exported so a single pass can be driven
// directly, by hand or from tests.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-s.gracePeriod)
	records, err := s.store.ListStuck(ctx, cutoff, sweepBatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list stuck generations")
		return
	}
	if len(records) == 0 {
		return
	}

	log.Debug().Int("count", len(records)).Msg("Reconciling stuck generations")

	reconciled := 0
	for i := range records {
		if err := s.service.Reconcile(ctx, &records[i]); err != nil {
			// Transient provider errors: the record stays stuck and is
			// retried on the next pass.
			log.Debug().Err(err).
				Str("generation_id", records[i].ID.String()).
				Msg("Reconcile deferred")
			continue
		}
		reconciled++
	}

	if reconciled > 0 {
		log.Info().Int("count", reconciled).Msg("Reconciled stuck generations")
	}
}
