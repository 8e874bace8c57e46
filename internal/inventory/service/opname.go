package service

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pharmapos/pharmapos-backend/internal/inventory/domain"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/events"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/lock"
	"github.com/pharmapos/pharmapos-backend/internal/inventory/repository"
	"github.com/pharmapos/pharmapos-backend/pkg/errors"
	"github.com/pharmapos/pharmapos-backend/pkg/logger"
	"github.com/pharmapos/pharmapos-backend/pkg/tenant"
)

// OpnameService runs physical count sessions and books their adjustments
type OpnameService struct {
	store     repository.Store
	sessions  repository.SessionRepository
	locker    lock.Locker
	lockTTL   time.Duration
	publisher *events.StockEventPublisher
	logger    *logger.Logger
	now       Clock
}

// NewOpnameService creates a new opname service
func NewOpnameService(
	store repository.Store,
	sessions repository.SessionRepository,
	locker lock.Locker,
	lockTTL time.Duration,
	publisher *events.StockEventPublisher,
	log *logger.Logger,
) *OpnameService {
	return &OpnameService{
		store:     store,
		sessions:  sessions,
		locker:    locker,
		lockTTL:   lockTTL,
		publisher: publisher,
		logger:    log.WithComponent("opname"),
		now:       systemClock,
	}
}

// WithClock replaces the time source
func (s *OpnameService) WithClock(now Clock) *OpnameService {
	s.now = now
	return s
}

// Open starts a draft session for a product. No lock is taken yet.
func (s *OpnameService) Open(ctx context.Context, productID string) (*domain.OpnameSession, error) {
	if productID == "" {
		return nil, errors.Validation(map[string]string{"product_id": "is required"})
	}
	scope := tenant.Scope(ctx)

	snap, err := s.store.Snapshot(ctx, scope, productID)
	if err != nil {
		return nil, err
	}
	session := domain.NewOpnameSession(snap, s.now())
	if err := s.sessions.Create(ctx, scope, session); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("scope", scope).
		Str("product_id", productID).
		Str("session_id", session.ID).
		Msg("opname session opened")
	return session, nil
}

// Get returns a session
func (s *OpnameService) Get(ctx context.Context, id string) (*domain.OpnameSession, error) {
	return s.sessions.Get(ctx, tenant.Scope(ctx), id)
}

// List returns the sessions of a product, or all sessions when productID is empty
func (s *OpnameService) List(ctx context.Context, productID string) ([]*domain.OpnameSession, error) {
	return s.sessions.List(ctx, tenant.Scope(ctx), productID)
}

// StartCounting takes the product lock and moves the session into counting.
// The expected quantities are re-read once the lock is held, through a fenced
// snapshot: a commit that passed its lock check before the lock was taken is
// either in the expected quantities or never lands.
func (s *OpnameService) StartCounting(ctx context.Context, id string) (session *domain.OpnameSession, err error) {
	scope := tenant.Scope(ctx)
	ctx, span := startSpan(ctx, "opname.StartCounting",
		attribute.String("scope", scope),
		attribute.String("session_id", id),
	)
	defer func() { endSpan(span, err) }()

	current, err := s.sessions.Get(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransitionTo(domain.OpnameCounting) {
		return nil, errors.InvalidTransition(string(current.Status), string(domain.OpnameCounting))
	}

	key := lock.OpnameKey(scope, current.ProductID)
	token, err := s.locker.Acquire(ctx, key, s.lockTTL)
	if err != nil {
		return nil, err
	}

	session, err = s.sessions.Update(ctx, scope, id, func(ctx context.Context, sess *domain.OpnameSession) error {
		snap, err := s.store.FencedSnapshot(ctx, scope, sess.ProductID)
		if err != nil {
			return err
		}
		return sess.StartCounting(token, snap, s.now())
	})
	if err != nil {
		s.release(ctx, key, token)
		return nil, err
	}

	s.logger.Info().
		Str("scope", scope).
		Str("product_id", session.ProductID).
		Str("session_id", id).
		Int64("snapshot_version", session.SnapshotVersion).
		Msg("opname counting started")
	return session, nil
}

// RecordCount stores the physical count of one batch
func (s *OpnameService) RecordCount(ctx context.Context, id, batchID string, qty int64) (*domain.OpnameSession, error) {
	return s.sessions.Update(ctx, tenant.Scope(ctx), id, func(ctx context.Context, sess *domain.OpnameSession) error {
		return sess.RecordCount(batchID, qty, s.now())
	})
}

// Reconcile ends counting and computes the variances
func (s *OpnameService) Reconcile(ctx context.Context, id string) (*domain.OpnameSession, error) {
	return s.sessions.Update(ctx, tenant.Scope(ctx), id, func(ctx context.Context, sess *domain.OpnameSession) error {
		return sess.Reconcile(s.now())
	})
}

// Close books every non-zero variance in one append and then releases the lock.
//
// When the ledger moved after the expected snapshot, the session stays
// reconciled with its counts, the expected side is rebased on the current
// ledger and ConcurrencyConflict is returned; closing again applies the
// recomputed variances. Closing a closed session returns it unchanged.
func (s *OpnameService) Close(ctx context.Context, id string) (session *domain.OpnameSession, err error) {
	scope := tenant.Scope(ctx)
	ctx, span := startSpan(ctx, "opname.Close",
		attribute.String("scope", scope),
		attribute.String("session_id", id),
	)
	defer func() { endSpan(span, err) }()

	var (
		conflict   error
		alreadyRan bool
		token      string
		entries    int
	)
	session, err = s.sessions.Update(ctx, scope, id, func(ctx context.Context, sess *domain.OpnameSession) error {
		if sess.Status == domain.OpnameClosed {
			alreadyRan = true
			return nil
		}
		if sess.Status != domain.OpnameReconciled {
			return errors.InvalidTransition(string(sess.Status), string(domain.OpnameClosed))
		}

		token = sess.LockToken
		key := lock.OpnameKey(scope, sess.ProductID)
		holder, held, err := s.locker.Holder(ctx, key)
		if err != nil {
			return err
		}
		if held && holder != token {
			return errors.OpnameLocked(sess.ProductID)
		}

		now := s.now()
		adjustments := sess.AdjustmentEntries(now)
		committed := sess.SnapshotVersion
		if len(adjustments) > 0 {
			committed, err = s.store.Append(ctx, scope, sess.SnapshotVersion, adjustments)
			if errors.Is(err, errors.ErrConcurrencyConflict) {
				snap, snapErr := s.store.Snapshot(ctx, scope, sess.ProductID)
				if snapErr != nil {
					return snapErr
				}
				conflict = err
				return sess.Rebase(snap, now)
			}
			if err != nil {
				return err
			}
		}
		entries = len(adjustments)
		return sess.Close(committed, entries, now)
	})
	if err != nil {
		return nil, err
	}
	if alreadyRan {
		return session, nil
	}
	if conflict != nil {
		s.logger.Warn().
			Str("scope", scope).
			Str("product_id", session.ProductID).
			Str("session_id", id).
			Int64("snapshot_version", session.SnapshotVersion).
			Msg("opname close conflicted, session rebased")
		return session, conflict
	}

	s.release(ctx, lock.OpnameKey(scope, session.ProductID), token)

	s.logger.Info().
		Str("scope", scope).
		Str("product_id", session.ProductID).
		Str("reference_id", session.ID).
		Int("entries", entries).
		Int64("version", session.CommittedVersion).
		Msg("opname session closed")

	s.publisher.PublishOpnameClosed(ctx, session)
	return session, nil
}

// Abandon discards the counts and releases the lock right away
func (s *OpnameService) Abandon(ctx context.Context, id string) (*domain.OpnameSession, error) {
	scope := tenant.Scope(ctx)

	var token string
	session, err := s.sessions.Update(ctx, scope, id, func(ctx context.Context, sess *domain.OpnameSession) error {
		token = sess.LockToken
		return sess.Abandon(s.now())
	})
	if err != nil {
		return nil, err
	}
	if token != "" {
		s.release(ctx, lock.OpnameKey(scope, session.ProductID), token)
	}

	s.logger.Info().
		Str("scope", scope).
		Str("product_id", session.ProductID).
		Str("session_id", id).
		Msg("opname session abandoned")
	return session, nil
}

// release frees the lock; a failure only delays other counts until the TTL runs out
func (s *OpnameService) release(ctx context.Context, key, token string) {
	if err := s.locker.Release(ctx, key, token); err != nil {
		s.logger.Warn().Err(err).Str("lock_key", key).Msg("failed to release opname lock")
	}
}
