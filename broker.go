package tryonbroker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Broker bills try-on calls against a pool of provider credentials and
// fails over to a second credential when the provider fails.
type Broker struct {
	reserver    *Reserver
	provider    Provider
	ledger      UsageLedger
	meter       Meter
	health      *HealthTracker
	cost        decimal.Decimal
	maxAttempts int
	now         func() time.Time
}

// Option configures a Broker.
type Option func(*Broker)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(b *Broker) { b.meter = m }
}

// WithLedger sets the usage ledger. Defaults to the credential store if it
// implements UsageLedger.
func WithLedger(l UsageLedger) Option {
	return func(b *Broker) { b.ledger = l }
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(b *Broker) { b.health = h }
}

// WithUnitCost sets the credit cost of one call.
func WithUnitCost(cost decimal.Decimal) Option {
	return func(b *Broker) { b.cost = cost }
}

// WithMaxAttempts sets the total number of attempts per request, including
// the first one.
func WithMaxAttempts(n int) Option {
	return func(b *Broker) { b.maxAttempts = n }
}

// NewBroker creates a Broker. Defaults (DefaultUnitCost, two attempts,
// no-op meter) are used unless overridden via options.
func NewBroker(store CredentialStore, provider Provider, opts ...Option) (*Broker, error) {
	if store == nil {
		return nil, fmt.Errorf("tryonbroker: credential store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("tryonbroker: provider is required")
	}

	b := &Broker{
		provider:    provider,
		health:      NewHealthTracker(),
		cost:        DefaultUnitCost,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.meter == nil {
		b.meter = &noopMeter{}
	}
	if b.ledger == nil {
		l, ok := store.(UsageLedger)
		if !ok {
			return nil, fmt.Errorf("tryonbroker: usage ledger is required")
		}
		b.ledger = l
	}
	if !b.cost.IsPositive() {
		return nil, fmt.Errorf("tryonbroker: unit cost must be positive")
	}
	if b.maxAttempts < 1 {
		return nil, fmt.Errorf("tryonbroker: max attempts must be at least 1")
	}

	b.reserver = NewReserver(store, b.cost)
	return b, nil
}

// TryOn runs one try-on job, billed against exactly one credential.
func (b *Broker) TryOn(ctx context.Context, req Request) (Result, error) {
	uid := req.Identity.UID
	if uid == "" {
		return Result{}, ErrUnauthenticated
	}
	params := req.Params
	if params == nil {
		params = Params{}
	}

	var (
		lastErr    error
		lastCredID string
	)
	for attempt := 1; attempt <= b.maxAttempts; attempt++ {
		tok, err := b.reserver.Acquire(ctx)
		if err != nil {
			if errors.Is(err, ErrExhausted) && attempt > 1 {
				return Result{}, &BrokerError{
					Err:          ErrNoBackup,
					Cause:        lastErr,
					CredentialID: lastCredID,
					Attempts:     attempt - 1,
				}
			}
			return Result{}, err
		}

		b.meter.OnAttempt(AttemptEvent{
			RequestorID:   uid,
			CredentialID:  tok.CredentialID,
			ReservationID: tok.ID,
			AttemptNum:    attempt,
		})

		start := time.Now()
		images, keys, err := b.run(ctx, tok, params)
		duration := time.Since(start)

		if err != nil {
			// Refund even when the caller has gone away.
			refundErr := b.reserver.Release(context.WithoutCancel(ctx), tok)
			b.meter.OnResult(ResultEvent{
				RequestorID:   uid,
				CredentialID:  tok.CredentialID,
				ReservationID: tok.ID,
				AttemptNum:    attempt,
				Duration:      duration,
				Error:         err,
				Refunded:      refundErr == nil,
				RefundError:   refundErr,
				Health:        b.health.RecordFailure(tok.CredentialID),
			})

			lastErr = err
			lastCredID = tok.CredentialID

			// A caller that has gone away gets no failover debit.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, &BrokerError{
					Err:          ctxErr,
					Cause:        err,
					CredentialID: lastCredID,
					Attempts:     attempt,
				}
			}
			continue
		}

		b.meter.OnResult(ResultEvent{
			RequestorID:   uid,
			CredentialID:  tok.CredentialID,
			ReservationID: tok.ID,
			AttemptNum:    attempt,
			Success:       true,
			Duration:      duration,
			Images:        len(images),
			PayloadKeys:   keys,
			Health:        b.health.RecordSuccess(tok.CredentialID),
		})

		b.recordUsage(ctx, uid, tok)

		return Result{
			Images: images,
			Routing: RoutingInfo{
				CredentialID: tok.CredentialID,
				Attempts:     attempt,
			},
		}, nil
	}

	return Result{}, &BrokerError{
		Err:          ErrBackupFailed,
		Cause:        lastErr,
		CredentialID: lastCredID,
		Attempts:     b.maxAttempts,
	}
}

// run executes submit, poll and normalize with one reserved credential.
// keys is set only when the payload yielded no images.
func (b *Broker) run(ctx context.Context, tok Token, params Params) (images []Image, keys []string, err error) {
	handle, err := b.provider.Submit(ctx, tok.Secret, params)
	if err != nil {
		return nil, nil, err
	}

	payload, err := b.provider.Await(ctx, tok.Secret, handle)
	if err != nil {
		return nil, nil, err
	}

	images = Normalize(payload)
	if len(images) == 0 {
		keys = PayloadKeys(payload)
	}
	return images, keys, nil
}

// recordUsage appends the ledger entry for a successful call. A failed
// write is reported but keeps the charge and the result.
func (b *Broker) recordUsage(ctx context.Context, uid string, tok Token) {
	rec := UsageRecord{
		ID:           uuid.New().String(),
		RequestorID:  uid,
		CredentialID: tok.CredentialID,
		Cost:         tok.Cost,
		Timestamp:    b.now().UTC(),
	}
	err := b.ledger.Append(context.WithoutCancel(ctx), rec)
	b.meter.OnUsage(UsageEvent{Record: rec, Error: err})
}
