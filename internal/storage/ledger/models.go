package ledger

import (
	"time"

	"github.com/google/uuid"

	"github.com/vadiminshakov/ecocore/internal/domain"
)

type accountRow struct {
	UUID        string `gorm:"column:uuid;primaryKey;size:36"`
	Balance     int64  `gorm:"column:balance;not null;default:0"`
	Version     int64  `gorm:"column:version;not null;default:0"`
	LastUpdated int64  `gorm:"column:last_updated;not null"`
}

func (accountRow) TableName() string { return "accounts" }

func (r accountRow) toDomain() (domain.Account, error) {
	id, err := uuid.Parse(r.UUID)
	if err != nil {
		return domain.Account{}, err
	}
	return domain.Account{
		ID:          id,
		Balance:     domain.Micros(r.Balance),
		Version:     r.Version,
		LastUpdated: time.UnixMilli(r.LastUpdated),
	}, nil
}

type saleRow struct {
	ID         uint64  `gorm:"column:id;primaryKey;autoIncrement"`
	PlayerUUID string  `gorm:"column:player_uuid;size:36;not null"`
	ProductID  string  `gorm:"column:product_id;size:64;not null;index:idx_sales_history,priority:1"`
	Amount     float64 `gorm:"column:amount;not null"`
	Timestamp  int64   `gorm:"column:timestamp;not null;index:idx_sales_history,priority:2"`
}

func (saleRow) TableName() string { return "sales" }

type intentRow struct {
	TxID                string `gorm:"column:tx_id;primaryKey;size:36"`
	SenderUUID          string `gorm:"column:sender_uuid;size:36"`
	ReceiverUUID        string `gorm:"column:receiver_uuid;size:36"`
	Amount              int64  `gorm:"column:amount"`
	Tax                 int64  `gorm:"column:tax"`
	State               int8   `gorm:"column:state;index"`
	Reason              string `gorm:"column:reason;size:64"`
	NeedsReconciliation bool   `gorm:"column:needs_reconciliation"`
	CreatedAt           int64  `gorm:"column:created_at;autoCreateTime:false"`
	UpdatedAt           int64  `gorm:"column:updated_at;autoUpdateTime:false"`
}

func (intentRow) TableName() string { return "journal" }

func intentToRow(in domain.TransferIntent) intentRow {
	return intentRow{
		TxID:                in.ID,
		SenderUUID:          in.Sender.String(),
		ReceiverUUID:        in.ReceiverString(),
		Amount:              int64(in.Amount),
		Tax:                 int64(in.Tax),
		State:               int8(in.State),
		Reason:              in.Reason,
		NeedsReconciliation: in.NeedsReconciliation,
		CreatedAt:           in.CreatedAt.UnixMilli(),
		UpdatedAt:           in.UpdatedAt.UnixMilli(),
	}
}

func (r intentRow) toDomain() (domain.TransferIntent, error) {
	sender, err := uuid.Parse(r.SenderUUID)
	if err != nil {
		return domain.TransferIntent{}, err
	}
	out := domain.TransferIntent{
		ID:                  r.TxID,
		Sender:              sender,
		Amount:              domain.Micros(r.Amount),
		Tax:                 domain.Micros(r.Tax),
		State:               domain.IntentState(r.State),
		Reason:              r.Reason,
		NeedsReconciliation: r.NeedsReconciliation,
		CreatedAt:           time.UnixMilli(r.CreatedAt),
		UpdatedAt:           time.UnixMilli(r.UpdatedAt),
	}
	if receiver, err := uuid.Parse(r.ReceiverUUID); err == nil {
		out.Receiver = &receiver
	}
	return out, nil
}

// Sale one trade audit record.
type Sale struct {
	Player    uuid.UUID
	ProductID string
	Amount    float64
	At        time.Time
}
