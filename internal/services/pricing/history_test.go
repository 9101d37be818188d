package pricing

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ecocore/internal/domain"
	"github.com/vadiminshakov/ecocore/internal/storage/ledger"
)

func openLedger(t *testing.T) *ledger.Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "ledger.db") + "?_busy_timeout=5000"
	store, err := ledger.Open(ledger.Options{Driver: ledger.DriverSQLite, DSN: dsn}, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestHistoryRing(t *testing.T) {
	h := NewHistory(nil, 3, 7, nil, zap.NewNop())
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	for i := 1; i <= 5; i++ {
		h.Add(ctx, domain.TradeSample{ProductID: "wheat", Timestamp: base.Add(time.Duration(i) * time.Second), Amount: float64(i)})
	}
	h.Add(ctx, domain.TradeSample{ProductID: "iron", Timestamp: base, Amount: -1})

	got := h.Samples(ctx, "wheat")
	require.Len(t, got, 3)
	assert.Equal(t, []float64{5, 4, 3}, []float64{got[0].Amount, got[1].Amount, got[2].Amount})

	iron := h.Samples(ctx, "iron")
	require.Len(t, iron, 1)
	assert.Equal(t, -1.0, iron[0].Amount)

	assert.Empty(t, h.Samples(ctx, "unknown"))

	h.Clear()
	assert.Empty(t, h.Samples(ctx, "wheat"))
}

func TestHistoryWarmLoad(t *testing.T) {
	store := openLedger(t)
	ctx := context.Background()
	clock := newClock()

	for i := 0; i < 4; i++ {
		require.NoError(t, store.AppendSale(ctx, ledger.Sale{
			ProductID: "wheat",
			Amount:    float64(i + 1),
			At:        clock.Now().Add(-time.Duration(4-i) * time.Hour),
		}))
	}
	require.NoError(t, store.AppendSale(ctx, ledger.Sale{
		ProductID: "wheat",
		Amount:    99,
		At:        clock.Now().Add(-10 * 24 * time.Hour),
	}))

	h := NewHistory(store, 10, 7, clock.Now, zap.NewNop())
	h.Add(ctx, domain.TradeSample{ProductID: "wheat", Timestamp: clock.Now(), Amount: 5})

	got := h.Samples(ctx, "wheat")
	amounts := make([]float64, len(got))
	for i, s := range got {
		amounts[i] = s.Amount
	}
	assert.Equal(t, []float64{5, 4, 3, 2, 1}, amounts, "newest first, samples outside the window skipped")
}

func TestHistoryConcurrentProducts(t *testing.T) {
	h := NewHistory(nil, 1000, 7, nil, zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < 16; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", p)
			for i := 0; i < 200; i++ {
				h.Add(ctx, domain.TradeSample{ProductID: id, Amount: float64(i)})
				_ = h.Samples(ctx, id)
			}
		}(p)
	}
	wg.Wait()

	for p := 0; p < 16; p++ {
		got := h.Samples(ctx, fmt.Sprintf("p%d", p))
		require.Len(t, got, 200)
		assert.Equal(t, 199.0, got[0].Amount)
	}
}
