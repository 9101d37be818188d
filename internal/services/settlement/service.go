// Package settlement moves money between accounts: audit through the kernel
// regulator, write-ahead intent, debit, credit and compensation.
package settlement

import (
	"context"
	"sync"
	"time"

	"github.com/bytedance/gopkg/util/gopool"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ecocore/internal/cache"
	"github.com/vadiminshakov/ecocore/internal/domain"
	"github.com/vadiminshakov/ecocore/internal/events"
	"github.com/vadiminshakov/ecocore/internal/kernel"
	"github.com/vadiminshakov/ecocore/internal/metrics"
	"github.com/vadiminshakov/ecocore/internal/storage/ledger"
)

const (
	defaultFallbackTaxRate = 0.05
	incidentTimeout        = 5 * time.Second
	saleLogTimeout         = 10 * time.Second
)

// FallbackMode decides what happens to transfers while the kernel is faulty.
type FallbackMode string

const (
	// FallbackPermissive settles with a flat tax.
	FallbackPermissive FallbackMode = "permissive"
	// FallbackStrict refuses transfers.
	FallbackStrict FallbackMode = "strict"
)

// Balances is the account view settlement mutates. Peek must not create
// accounts or warm the cache.
type Balances interface {
	Get(ctx context.Context, id uuid.UUID) (domain.Account, error)
	Peek(ctx context.Context, id uuid.UUID) (domain.Account, error)
	Apply(ctx context.Context, id uuid.UUID, delta domain.Micros, market bool) (domain.Account, error)
}

// Journal is the write-ahead intent log.
type Journal interface {
	Begin(ctx context.Context, sender uuid.UUID, receiver *uuid.UUID, amount, tax domain.Micros) (domain.TransferIntent, error)
	Commit(ctx context.Context, id string) error
	RollBack(ctx context.Context, id, reason string, needsReconciliation bool) error
}

// Auditor runs the transfer regulator.
type Auditor interface {
	AuditTransfer(ctx kernel.TransferContext, cfg kernel.RegulatorConfig) domain.AuditDecision
}

// Indicators provides the inflation rate fed to the regulator. Settled
// volume reaches the indicators through the balance observer of the cache.
type Indicators interface {
	Inflation() float64
}

// SalesLog is the sales audit trail.
type SalesLog interface {
	AppendSale(ctx context.Context, sale ledger.Sale) error
}

// TradePublisher shares settled volume with other nodes.
type TradePublisher interface {
	Publish(productID string, amount float64)
}

// Config settlement policy.
type Config struct {
	FallbackMode     FallbackMode
	FallbackTaxRate  float64
	ShadowMode       bool
	VelocityHalfLife time.Duration
	VelocityIdle     time.Duration
	Regulator        kernel.RegulatorConfig
}

// Deps collaborators of the service. Sales, Publisher, Activity and Incidents are optional.
type Deps struct {
	Balances   Balances
	Journal    Journal
	Auditor    Auditor
	Indicators Indicators
	Activity   domain.ActivityProvider
	Sales      SalesLog
	Publisher  TradePublisher
	Incidents  *events.Broadcaster[events.Incident]
	Pool       gopool.Pool
	Metrics    *metrics.Metrics
}

// TransferRequest one money movement. A nil Receiver sends to the system sink.
type TransferRequest struct {
	Actor    domain.Actor
	Sender   uuid.UUID
	Receiver *uuid.UUID
	Amount   domain.Micros
	Market   bool
}

// Decision audit outcome including whether the fallback policy produced it.
type Decision struct {
	domain.AuditDecision
	Fallback bool
}

// Receipt result of a transfer.
type Receipt struct {
	IntentID string
	Amount   domain.Micros
	Tax      domain.Micros
	Net      domain.Micros
	Decision Decision
	// Shadow is set when the transfer was only audited.
	Shadow bool
}

// Service settles transfers.
type Service struct {
	cfg      Config
	deps     Deps
	velocity *velocityTracker
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// Option configures the Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates the settlement service.
func NewService(cfg Config, deps Deps, logger *zap.Logger, opts ...Option) *Service {
	if cfg.FallbackMode == "" {
		cfg.FallbackMode = FallbackPermissive
	}
	if cfg.FallbackTaxRate <= 0 {
		cfg.FallbackTaxRate = defaultFallbackTaxRate
	}
	if deps.Activity == nil {
		deps.Activity = domain.NoActivity{}
	}

	s := &Service{
		cfg:      cfg,
		deps:     deps,
		velocity: newVelocityTracker(cfg.VelocityHalfLife, cfg.VelocityIdle),
		logger:   logger.Named("settlement"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Preview audits a transfer without moving funds or writing anything.
// Unknown accounts are read as empty and are not created.
func (s *Service) Preview(ctx context.Context, req TransferRequest) (Decision, error) {
	sender, err := s.validate(ctx, req, s.deps.Balances.Peek)
	if err != nil {
		return Decision{}, err
	}
	return s.audit(ctx, req, sender, s.deps.Balances.Peek)
}

// Transfer settles req. Funds move only after the intent is durable; once it
// is, the transfer runs to completion even if ctx is cancelled.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (Receipt, error) {
	log := s.logger.With(
		zap.String("sender", req.Sender.String()),
		zap.String("amount", req.Amount.String()))

	sender, err := s.validate(ctx, req, s.deps.Balances.Get)
	if err != nil {
		s.outcome(err)
		return Receipt{}, err
	}

	decision, err := s.audit(ctx, req, sender, s.deps.Balances.Get)
	if err != nil {
		s.outcome(err)
		return Receipt{}, err
	}

	// shadow mode observes blocked transfers too
	if s.cfg.ShadowMode {
		log.Info("Shadow audit",
			zap.Stringer("code", decision.Code),
			zap.Bool("blocked", decision.Blocked),
			zap.String("tax", decision.Tax.String()))
		s.logSale(req.Sender, req.Amount)
		s.deps.Metrics.Settlement("shadow")
		return Receipt{Amount: req.Amount, Tax: decision.Tax, Net: req.Amount - decision.Tax, Decision: decision, Shadow: true}, nil
	}

	if decision.Blocked && !req.Actor.BypassBlock {
		err := &BlockedError{Code: decision.Code}
		log.Info("Transfer blocked", zap.Stringer("code", decision.Code))
		s.outcome(err)
		return Receipt{}, err
	}

	tax := decision.Tax
	if req.Actor.BypassTax {
		tax = 0
	}
	tax = min(max(tax, 0), req.Amount)
	net := req.Amount - tax

	intent, err := s.deps.Journal.Begin(ctx, req.Sender, req.Receiver, req.Amount, tax)
	if err != nil {
		log.Error("Failed to write transfer intent", zap.Error(err))
		err = errors.Wrap(ErrJournalUnavailable, err.Error())
		s.outcome(err)
		return Receipt{}, err
	}

	ctx = context.WithoutCancel(ctx)
	log = log.With(zap.String("tx_id", intent.ID))
	receipt := Receipt{IntentID: intent.ID, Amount: req.Amount, Tax: tax, Net: net, Decision: decision}

	if err := s.settle(ctx, log, req, intent.ID, net); err != nil {
		s.outcome(err)
		return receipt, err
	}

	if err := s.deps.Journal.Commit(ctx, intent.ID); err != nil {
		// funds already moved; the journal keeps the intent as commit_unrecorded
		// and the sweeper records it as committed with reconciliation flagged
		log.Error("Failed to commit transfer intent", zap.Error(err))
	}

	s.afterCommit(req)
	s.deps.Metrics.Settlement("committed")
	log.Debug("Transfer committed", zap.String("tax", tax.String()), zap.String("net", net.String()))
	return receipt, nil
}

type lookupFunc func(ctx context.Context, id uuid.UUID) (domain.Account, error)

func (s *Service) validate(ctx context.Context, req TransferRequest, lookup lookupFunc) (domain.Account, error) {
	if req.Amount <= 0 {
		return domain.Account{}, ErrInvalidAmount
	}
	if req.Receiver != nil && *req.Receiver == req.Sender {
		return domain.Account{}, ErrSelfTransfer
	}

	sender, err := lookup(ctx, req.Sender)
	if err != nil {
		return domain.Account{}, errors.Wrap(err, "load sender")
	}
	if sender.Balance < req.Amount {
		return domain.Account{}, ErrInsufficientFunds
	}
	return sender, nil
}

// audit asks the regulator and applies the fallback policy on kernel faults.
func (s *Service) audit(ctx context.Context, req TransferRequest, sender domain.Account, lookup lookupFunc) (Decision, error) {
	var receiverBalance domain.Micros
	if req.Receiver != nil {
		acc, err := lookup(ctx, *req.Receiver)
		if err != nil {
			return Decision{}, errors.Wrap(err, "load receiver")
		}
		receiverBalance = acc.Balance
	}

	activity, err := s.deps.Activity.Activity(ctx, req.Sender)
	if err != nil {
		s.logger.Debug("Activity unavailable, auditing as newcomer", zap.Error(err))
		activity = domain.Activity{}
	}

	tc := kernel.TransferContext{
		AmountMicros:        int64(req.Amount),
		SenderBalance:       int64(sender.Balance),
		ReceiverBalance:     int64(receiverBalance),
		InflationRate:       s.deps.Indicators.Inflation(),
		SenderPlayTime:      int64(activity.PlayTime / time.Second),
		SenderActivityScore: activity.Score,
		SenderVelocity:      s.velocity.get(req.Sender, s.now()),
	}

	decision := s.deps.Auditor.AuditTransfer(tc, s.cfg.Regulator)
	if !decision.IsFault() {
		return Decision{AuditDecision: decision}, nil
	}

	if s.cfg.FallbackMode == FallbackStrict {
		s.logger.Warn("Kernel unavailable, refusing transfer", zap.Stringer("code", decision.Code))
		return Decision{}, ErrCoreMaintenance
	}

	s.logger.Warn("Kernel unavailable, settling with fallback tax",
		zap.Stringer("code", decision.Code),
		zap.Float64("rate", s.cfg.FallbackTaxRate))
	return Decision{
		AuditDecision: domain.AuditDecision{Tax: req.Amount.MulRate(s.cfg.FallbackTaxRate), Code: domain.CodeNormal},
		Fallback:      true,
	}, nil
}

// settle runs the debit and credit legs, compensating a failed credit. Only
// the debit carries the market flag so the transfer is counted once.
func (s *Service) settle(ctx context.Context, log *zap.Logger, req TransferRequest, intentID string, net domain.Micros) error {
	current, err := s.deps.Balances.Get(ctx, req.Sender)
	if err != nil || current.Balance < req.Amount {
		s.rollBack(ctx, log, intentID, domain.ReasonBalanceChanged, false)
		return ErrConcurrentModification
	}

	if _, err := s.deps.Balances.Apply(ctx, req.Sender, -req.Amount, req.Market); err != nil {
		s.rollBack(ctx, log, intentID, domain.ReasonDebitFailed, false)
		if errors.Is(err, cache.ErrInsufficientFunds) {
			return ErrConcurrentModification
		}
		log.Warn("Debit failed", zap.Error(err))
		return errors.Wrap(err, "debit sender")
	}

	if req.Receiver == nil {
		return nil
	}

	_, creditErr := s.deps.Balances.Apply(ctx, *req.Receiver, net, false)
	if creditErr == nil {
		return nil
	}

	log.Warn("Credit failed, refunding sender", zap.String("receiver", req.Receiver.String()), zap.Error(creditErr))

	if _, err := s.deps.Balances.Apply(ctx, req.Sender, req.Amount, false); err != nil {
		s.rollBack(ctx, log, intentID, domain.ReasonRefundFailed, true)
		s.incident(ctx, log, intentID, req, err)
		return errors.Wrapf(ErrRefundFailed, "intent %s: %v", intentID, err)
	}

	s.rollBack(ctx, log, intentID, domain.ReasonCreditRefunded, false)
	return errors.Wrap(ErrCreditFailed, creditErr.Error())
}

func (s *Service) rollBack(ctx context.Context, log *zap.Logger, intentID, reason string, recon bool) {
	if err := s.deps.Journal.RollBack(ctx, intentID, reason, recon); err != nil {
		log.Error("Failed to roll back transfer intent", zap.String("reason", reason), zap.Error(err))
	}
}

func (s *Service) incident(ctx context.Context, log *zap.Logger, intentID string, req TransferRequest, cause error) {
	s.deps.Metrics.Incident()
	log.Error("Refund failed, funds need manual reconciliation", zap.Error(cause))

	if s.deps.Incidents == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, incidentTimeout)
	defer cancel()

	err := s.deps.Incidents.PublishSync(ctx, events.Incident{
		IntentID: intentID,
		Account:  req.Sender,
		Amount:   req.Amount,
		Reason:   domain.ReasonRefundFailed,
		Err:      cause.Error(),
		At:       s.now(),
	})
	if err != nil {
		log.Error("Failed to deliver incident", zap.Error(err))
	}
}

func (s *Service) afterCommit(req TransferRequest) {
	s.velocity.add(req.Sender, req.Amount.Float(), s.now())
	s.logSale(req.Sender, req.Amount)
	if s.deps.Publisher != nil {
		s.deps.Publisher.Publish(domain.SystemTransferProduct, req.Amount.Float())
	}
}

func (s *Service) logSale(sender uuid.UUID, amount domain.Micros) {
	if s.deps.Sales == nil {
		return
	}
	sale := ledger.Sale{Player: sender, ProductID: domain.SystemTransferProduct, Amount: amount.Float(), At: s.now()}
	write := func() {
		ctx, cancel := context.WithTimeout(context.Background(), saleLogTimeout)
		defer cancel()
		if err := s.deps.Sales.AppendSale(ctx, sale); err != nil {
			s.logger.Warn("Failed to record transfer sale", zap.Error(err))
		}
	}
	s.background(write)
}

// background runs fn on the pool and tracks it for Close. After Close fn runs inline.
func (s *Service) background(fn func()) {
	s.mu.Lock()
	if s.closed || s.deps.Pool == nil {
		s.mu.Unlock()
		fn()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	s.deps.Pool.Go(func() {
		defer s.inflight.Done()
		fn()
	})
}

// Close waits for background sales log writes to finish.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) outcome(err error) {
	var blocked *BlockedError
	switch {
	case errors.As(err, &blocked):
		s.deps.Metrics.Settlement("blocked")
	case errors.Is(err, ErrInsufficientFunds):
		s.deps.Metrics.Settlement("insufficient_funds")
	case errors.Is(err, ErrCoreMaintenance):
		s.deps.Metrics.Settlement("maintenance")
	case errors.Is(err, ErrJournalUnavailable):
		s.deps.Metrics.Settlement("journal_unavailable")
	case errors.Is(err, ErrConcurrentModification):
		s.deps.Metrics.Settlement("concurrent_modification")
	case errors.Is(err, ErrRefundFailed):
		s.deps.Metrics.Settlement("refund_failed")
	case errors.Is(err, ErrCreditFailed):
		s.deps.Metrics.Settlement("refunded")
	default:
		s.deps.Metrics.Settlement("rejected")
	}
}
