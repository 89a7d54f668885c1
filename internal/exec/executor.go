package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"spread-grid-bot/internal/exchange"
	"spread-grid-bot/internal/state"

	"go.uber.org/zap"
)

const (
	maxAttempts    = 5
	initialBackoff = 200 * time.Millisecond
)

// Executor wraps the execution gateway with bounded-backoff retry and
// idempotent submission keyed by client order ref, so a crash between
// submit and acknowledgement cannot double-place an order.
type Executor struct {
	gateway exchange.ExecutionGateway
	store   state.Store
	log     *zap.Logger

	mu    sync.Mutex
	cache map[string]string
}

func New(gateway exchange.ExecutionGateway, store state.Store, log *zap.Logger) *Executor {
	return &Executor{
		gateway: gateway,
		store:   store,
		log:     log,
		cache:   make(map[string]string),
	}
}

// Submit places an order, returning the venue order ID. Submissions with a
// client ref already seen (in memory or in the store) are not re-sent.
func (e *Executor) Submit(ctx context.Context, order exchange.Order) (string, error) {
	if order.ClientRef == "" {
		return e.submitWithRetry(ctx, order)
	}
	cacheKey := "orderref:" + order.ClientRef
	e.mu.Lock()
	if id, ok := e.cache[cacheKey]; ok {
		e.mu.Unlock()
		return id, nil
	}
	e.mu.Unlock()
	if e.store != nil {
		if id, ok, err := e.store.Get(ctx, cacheKey); err != nil {
			return "", err
		} else if ok {
			e.mu.Lock()
			e.cache[cacheKey] = id
			e.mu.Unlock()
			return id, nil
		}
	}
	venueID, err := e.submitWithRetry(ctx, order)
	if err != nil {
		return "", err
	}
	if e.store != nil {
		if err := e.store.Set(ctx, cacheKey, venueID); err != nil {
			e.log.Warn("failed to persist venue order id", zap.Error(err))
		}
	}
	e.mu.Lock()
	e.cache[cacheKey] = venueID
	e.mu.Unlock()
	return venueID, nil
}

// Cancel retries until acknowledged or the attempt budget is exhausted.
// Cancels must not be dropped on a transient gateway failure: an orphaned
// order is live exposure the core no longer tracks.
func (e *Executor) Cancel(ctx context.Context, instrument, clientRef string) error {
	return e.retry(ctx, func() error {
		return e.gateway.Cancel(ctx, instrument, clientRef)
	})
}

func (e *Executor) submitWithRetry(ctx context.Context, order exchange.Order) (string, error) {
	var venueID string
	err := e.retry(ctx, func() error {
		var err error
		venueID, err = e.gateway.Submit(ctx, order)
		return err
	})
	if err != nil {
		return "", err
	}
	if venueID == "" {
		return "", errors.New("empty venue order id")
	}
	return venueID, nil
}

func (e *Executor) retry(ctx context.Context, fn func() error) error {
	backoff := initialBackoff
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := fn(); err != nil {
			if attempt == maxAttempts-1 {
				return fmt.Errorf("retry failed: %w", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
			continue
		}
		return nil
	}
	return nil
}
