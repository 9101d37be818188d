// Package journal is the write-ahead intent log of the settlement protocol.
// Every intent state change is appended to a synced WAL before it is acted on
// and then mirrored to the ledger journal table for querying.
package journal

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ecocore/internal/domain"
)

const (
	defaultDir              = "./wal/journal"
	defaultSegmentThreshold = 1000
	defaultMaxSegments      = 1000
	defaultSettledCache     = 10_000
	intentKeyPrefix         = "intent_"
	dirPermissions          = 0o755
)

var (
	ErrUnknownIntent     = errors.New("unknown intent")
	ErrInvalidTransition = errors.New("invalid intent state transition")
	ErrClosed            = errors.New("journal is closed")
)

// Mirror receives every durable intent state for the queryable audit trail.
type Mirror interface {
	SaveIntent(ctx context.Context, in domain.TransferIntent) error
}

// Config WAL placement and retention.
type Config struct {
	Dir              string
	SegmentThreshold int
	MaxSegments      int
}

// Journal intent log backed by gowal.
type Journal struct {
	logger *zap.Logger
	mirror Mirror
	now    func() time.Time

	mu      sync.Mutex
	wal     *gowal.Wal
	pending map[string]domain.TransferIntent
	settled *lru.Cache[string, domain.TransferIntent]
	closed  bool
}

// Option configures the Journal.
type Option func(*Journal)

// WithClock overrides the time source used for intent timestamps.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// Open opens or creates the WAL and replays it to rebuild the set of pending intents.
func Open(cfg Config, mirror Mirror, logger *zap.Logger, opts ...Option) (*Journal, error) {
	if cfg.Dir == "" {
		cfg.Dir = defaultDir
	}
	if cfg.SegmentThreshold <= 0 {
		cfg.SegmentThreshold = defaultSegmentThreshold
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = defaultMaxSegments
	}
	if err := os.MkdirAll(cfg.Dir, dirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure journal directory %s", cfg.Dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              cfg.Dir,
		Prefix:           "intent_",
		SegmentThreshold: cfg.SegmentThreshold,
		MaxSegments:      cfg.MaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init intent WAL")
	}

	settled, err := lru.New[string, domain.TransferIntent](defaultSettledCache)
	if err != nil {
		return nil, errors.Wrap(err, "init settled intent cache")
	}

	j := &Journal{
		logger:  logger.Named("journal"),
		mirror:  mirror,
		now:     time.Now,
		wal:     wal,
		pending: make(map[string]domain.TransferIntent),
		settled: settled,
	}
	for _, opt := range opts {
		opt(j)
	}

	j.replay()
	return j, nil
}

func (j *Journal) replay() {
	records := 0
	for msg := range j.wal.Iterator() {
		if !strings.HasPrefix(msg.Key, intentKeyPrefix) {
			continue
		}
		var in domain.TransferIntent
		if err := sonic.Unmarshal(msg.Value, &in); err != nil {
			j.logger.Error("Failed to unmarshal intent", zap.Error(err), zap.String("key", msg.Key))
			continue
		}
		records++
		if in.State.IsFinal() {
			delete(j.pending, in.ID)
			j.settled.Add(in.ID, in)
			continue
		}
		j.pending[in.ID] = in
	}

	j.logger.Info("Intent journal replayed",
		zap.Int("records", records),
		zap.Int("pending", len(j.pending)),
		zap.Uint64("index", j.wal.CurrentIndex()))
}

// append writes the record durably. Callers hold j.mu.
func (j *Journal) append(in domain.TransferIntent) error {
	if j.closed {
		return ErrClosed
	}
	data, err := sonic.Marshal(in)
	if err != nil {
		return errors.Wrap(err, "failed to marshal intent")
	}
	nextIndex := j.wal.CurrentIndex() + 1
	if err := j.wal.Write(nextIndex, intentKeyPrefix+in.ID, data); err != nil {
		return errors.Wrapf(err, "write intent %s", in.ID)
	}
	return nil
}

func (j *Journal) mirrorIntent(ctx context.Context, in domain.TransferIntent) {
	if j.mirror == nil {
		return
	}
	if err := j.mirror.SaveIntent(ctx, in); err != nil {
		j.logger.Warn("Failed to mirror intent", zap.String("tx_id", in.ID), zap.Error(err))
	}
}

// Begin durably records a PENDING intent and returns it.
func (j *Journal) Begin(ctx context.Context, sender uuid.UUID, receiver *uuid.UUID, amount, tax domain.Micros) (domain.TransferIntent, error) {
	now := j.now()
	in := domain.TransferIntent{
		ID:        uuid.NewString(),
		Sender:    sender,
		Receiver:  receiver,
		Amount:    amount,
		Tax:       tax,
		State:     domain.IntentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	j.mu.Lock()
	if err := j.append(in); err != nil {
		j.mu.Unlock()
		return domain.TransferIntent{}, err
	}
	j.pending[in.ID] = in
	j.mu.Unlock()

	j.mirrorIntent(ctx, in)
	return in, nil
}

// Commit moves a PENDING intent to COMMITTED.
func (j *Journal) Commit(ctx context.Context, id string) error {
	_, err := j.finish(ctx, id, domain.IntentCommitted, "", false)
	return err
}

// RecordCommit records COMMITTED for an intent whose funds moved but whose
// Commit could not be written. The intent keeps NeedsReconciliation.
func (j *Journal) RecordCommit(ctx context.Context, id string) error {
	_, err := j.finish(ctx, id, domain.IntentCommitted, domain.ReasonCommitUnrecorded, true)
	return err
}

// RollBack moves a PENDING intent to ROLLED_BACK with a reason.
func (j *Journal) RollBack(ctx context.Context, id, reason string, needsReconciliation bool) error {
	_, err := j.finish(ctx, id, domain.IntentRolledBack, reason, needsReconciliation)
	return err
}

func (j *Journal) finish(ctx context.Context, id string, next domain.IntentState, reason string, recon bool) (domain.TransferIntent, error) {
	j.mu.Lock()
	in, ok := j.pending[id]
	if !ok {
		j.mu.Unlock()
		if done, found := j.settled.Get(id); found {
			return done, errors.Wrapf(ErrInvalidTransition, "%s: %s -> %s", id, done.State, next)
		}
		return domain.TransferIntent{}, errors.Wrap(ErrUnknownIntent, id)
	}
	if !in.State.CanTransition(next) {
		j.mu.Unlock()
		return in, errors.Wrapf(ErrInvalidTransition, "%s: %s -> %s", id, in.State, next)
	}

	in.State = next
	in.Reason = reason
	in.NeedsReconciliation = recon
	in.UpdatedAt = j.now()
	if err := j.append(in); err != nil {
		if next != domain.IntentCommitted {
			j.mu.Unlock()
			return domain.TransferIntent{}, err
		}
		// funds moved; keep it pending but tell the sweeper not to roll it back
		flagged := j.pending[id]
		flagged.Reason = domain.ReasonCommitUnrecorded
		flagged.NeedsReconciliation = true
		j.pending[id] = flagged
		j.mu.Unlock()

		j.mirrorIntent(ctx, flagged)
		return domain.TransferIntent{}, err
	}
	delete(j.pending, id)
	j.settled.Add(id, in)
	j.mu.Unlock()

	j.mirrorIntent(ctx, in)
	return in, nil
}

// Get returns the latest known state of an intent.
func (j *Journal) Get(id string) (domain.TransferIntent, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if in, ok := j.pending[id]; ok {
		return in, true
	}
	return j.settled.Get(id)
}

// Pending returns PENDING intents created before the cutoff, oldest first.
func (j *Journal) Pending(createdBefore time.Time) []domain.TransferIntent {
	j.mu.Lock()
	out := make([]domain.TransferIntent, 0, len(j.pending))
	for _, in := range j.pending {
		if in.CreatedAt.Before(createdBefore) {
			out = append(out, in)
		}
	}
	j.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out
}

// CurrentIndex returns the latest WAL index stored.
func (j *Journal) CurrentIndex() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wal.CurrentIndex()
}

// Close closes the underlying WAL. It is idempotent.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.wal.Close()
}
