// Package ledger is the durable system of record: account balances with
// optimistic versioning, the sales audit log and the queryable journal mirror.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vadiminshakov/ecocore/internal/domain"
	"github.com/vadiminshakov/ecocore/internal/metrics"
	"github.com/vadiminshakov/ecocore/pkg/retrier"
)

const (
	defaultHistoryLimit = 5000
	averageChunk        = 500
	persistAttempts     = 3
	persistBackoff      = 50 * time.Millisecond
)

// ErrVersionConflict is returned when an optimistic write ran out of attempts.
var ErrVersionConflict = errors.New("account version conflict")

// Store gorm backed ledger.
type Store struct {
	db      *gorm.DB
	logger  *zap.Logger
	metrics *metrics.Metrics
	retrier *retrier.Retrier
	now     func() time.Time
}

// Open connects to the configured database and migrates the schema.
func Open(opt Options, logger *zap.Logger, m *metrics.Metrics) (*Store, error) {
	dialector, err := opt.dialector()
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, opt.gormConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", opt.Driver)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql db")
	}
	switch {
	case opt.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(opt.MaxOpenConns)
	case opt.Driver == DriverSQLite || opt.Driver == "":
		// sqlite allows one writer; serialize on the pool instead of on SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	}

	return NewStore(db, logger, m)
}

// NewStore wraps an existing connection and migrates the schema.
func NewStore(db *gorm.DB, logger *zap.Logger, m *metrics.Metrics) (*Store, error) {
	if err := db.AutoMigrate(&accountRow{}, &saleRow{}, &intentRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate ledger schema")
	}

	return &Store{
		db:      db,
		logger:  logger.Named("ledger"),
		metrics: m,
		retrier: retrier.New(
			retrier.WithMaxRetries(persistAttempts-1),
			retrier.WithInitialInterval(persistBackoff),
		),
		now: time.Now,
	}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Load reads an account. The bool is false when no row exists.
func (s *Store) Load(ctx context.Context, id uuid.UUID) (domain.Account, bool, error) {
	var row accountRow
	err := s.db.WithContext(ctx).Where("uuid = ?", id.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Account{ID: id}, false, nil
	}
	if err != nil {
		return domain.Account{}, false, errors.Wrapf(err, "load account %s", id)
	}

	acc, err := row.toDomain()
	if err != nil {
		return domain.Account{}, false, errors.Wrapf(err, "decode account %s", id)
	}
	return acc, true, nil
}

// Insert creates the account unless a row already exists. It reports whether a row was written.
func (s *Store) Insert(ctx context.Context, acc domain.Account) (bool, error) {
	row := accountRow{
		UUID:        acc.ID.String(),
		Balance:     int64(acc.Balance),
		Version:     0,
		LastUpdated: s.now().UnixMilli(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "insert account %s", acc.ID)
	}
	return res.RowsAffected > 0, nil
}

// CompareAndSwap writes newBalance and bumps the version if the stored version equals expect.
func (s *Store) CompareAndSwap(ctx context.Context, id uuid.UUID, expect int64, newBalance domain.Micros) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&accountRow{}).
		Where("uuid = ? AND version = ?", id.String(), expect).
		Updates(map[string]any{
			"balance":      int64(newBalance),
			"version":      gorm.Expr("version + 1"),
			"last_updated": s.now().UnixMilli(),
		})
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "cas account %s", id)
	}
	return res.RowsAffected > 0, nil
}

// Persist makes balance the stored balance of id, creating the row when absent.
// Concurrent version bumps are retried with exponential backoff.
func (s *Store) Persist(ctx context.Context, id uuid.UUID, balance domain.Micros) (domain.Account, error) {
	type observed struct {
		acc      domain.Account
		inserted bool
	}

	got, err := retrier.CompareAndSwap(s.retrier, ctx,
		func(ctx context.Context) (observed, error) {
			acc, found, err := s.Load(ctx, id)
			if err != nil {
				return observed{}, err
			}
			if found {
				return observed{acc: acc}, nil
			}
			acc.Balance = balance
			inserted, err := s.Insert(ctx, acc)
			return observed{acc: acc, inserted: inserted}, err
		},
		func(ctx context.Context, cur observed) (bool, error) {
			if cur.inserted {
				return true, nil
			}
			return s.CompareAndSwap(ctx, id, cur.acc.Version, balance)
		})

	if errors.Is(err, retrier.ErrExhausted) {
		s.metrics.CASExhausted()
		s.logger.Error("Optimistic write exhausted retries", zap.String("account", id.String()))
		return domain.Account{}, errors.Wrapf(ErrVersionConflict, "account %s", id)
	}
	if err != nil {
		return domain.Account{}, err
	}

	out := domain.Account{ID: id, Balance: balance, LastUpdated: s.now()}
	if !got.inserted {
		out.Version = got.acc.Version + 1
	}
	return out, nil
}

// AppendSale records one trade in the sales log.
func (s *Store) AppendSale(ctx context.Context, sale Sale) error {
	player := "SYSTEM"
	if sale.Player != uuid.Nil {
		player = sale.Player.String()
	}
	at := sale.At
	if at.IsZero() {
		at = s.now()
	}

	row := saleRow{
		PlayerUUID: player,
		ProductID:  sale.ProductID,
		Amount:     sale.Amount,
		Timestamp:  at.UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return errors.Wrapf(err, "append sale for %s", sale.ProductID)
	}
	return nil
}

// AverageAmounts returns the mean absolute traded amount per product since the cutoff.
// Products without sales map to 0.
func (s *Store) AverageAmounts(ctx context.Context, productIDs []string, since time.Time) (map[string]float64, error) {
	out := make(map[string]float64, len(productIDs))
	for _, id := range productIDs {
		out[id] = 0
	}

	type avgRow struct {
		ProductID string
		AvgAmount float64
	}

	for start := 0; start < len(productIDs); start += averageChunk {
		end := min(start+averageChunk, len(productIDs))

		var rows []avgRow
		err := s.db.WithContext(ctx).
			Model(&saleRow{}).
			Select("product_id, AVG(ABS(amount)) AS avg_amount").
			Where("product_id IN ? AND timestamp > ?", productIDs[start:end], since.UnixMilli()).
			Group("product_id").
			Scan(&rows).Error
		if err != nil {
			return out, errors.Wrap(err, "average amounts")
		}
		for _, r := range rows {
			out[r.ProductID] = r.AvgAmount
		}
	}

	return out, nil
}

// ProductHistory returns the newest samples of a product, newest first.
func (s *Store) ProductHistory(ctx context.Context, productID string, since time.Time, limit int) ([]domain.TradeSample, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	var rows []saleRow
	err := s.db.WithContext(ctx).
		Where("product_id = ? AND timestamp > ?", productID, since.UnixMilli()).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "product history %s", productID)
	}

	return toSamples(rows), nil
}

// RecentSales returns sales of all products since the cutoff, oldest first.
func (s *Store) RecentSales(ctx context.Context, since time.Time, limit int) ([]domain.TradeSample, error) {
	q := s.db.WithContext(ctx).
		Where("timestamp > ?", since.UnixMilli()).
		Order("timestamp ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []saleRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "recent sales")
	}
	return toSamples(rows), nil
}

func toSamples(rows []saleRow) []domain.TradeSample {
	out := make([]domain.TradeSample, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.TradeSample{
			ProductID: r.ProductID,
			Timestamp: time.UnixMilli(r.Timestamp),
			Amount:    r.Amount,
		})
	}
	return out
}

// SaveIntent upserts the journal mirror row of an intent.
func (s *Store) SaveIntent(ctx context.Context, in domain.TransferIntent) error {
	row := intentToRow(in)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return errors.Wrapf(err, "save intent %s", in.ID)
	}
	return nil
}

// Intent reads one mirrored intent.
func (s *Store) Intent(ctx context.Context, id string) (domain.TransferIntent, bool, error) {
	var row intentRow
	err := s.db.WithContext(ctx).Where("tx_id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.TransferIntent{}, false, nil
	}
	if err != nil {
		return domain.TransferIntent{}, false, errors.Wrapf(err, "load intent %s", id)
	}
	in, err := row.toDomain()
	if err != nil {
		return domain.TransferIntent{}, false, errors.Wrapf(err, "decode intent %s", id)
	}
	return in, true, nil
}

// IntentsByState lists mirrored intents in the given state, oldest first.
func (s *Store) IntentsByState(ctx context.Context, state domain.IntentState) ([]domain.TransferIntent, error) {
	var rows []intentRow
	err := s.db.WithContext(ctx).Where("state = ?", int8(state)).Order("created_at ASC").Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "list intents")
	}
	out := make([]domain.TransferIntent, 0, len(rows))
	for _, r := range rows {
		in, err := r.toDomain()
		if err != nil {
			return nil, errors.Wrapf(err, "decode intent %s", r.TxID)
		}
		out = append(out, in)
	}
	return out, nil
}
