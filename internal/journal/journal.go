package journal

import (
	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trader/internal/ledger"
	"trader/internal/schema"
	"trader/pkg/conn"
)

// OrderRecord is the persisted form of a terminal order.
type OrderRecord struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement"`
	ClientOrderID   string `gorm:"uniqueIndex;size:64"`
	ExchangeOrderID string `gorm:"index;size:64"`
	StrategyID      uint32
	SymbolID        uint32 `gorm:"index"`
	Side            uint16
	Type            uint16
	Price           int64
	Qty             int64
	FilledQty       int64
	State           uint16
	RejectReason    string
	CreatedAtNs     int64
	UpdatedAtNs     int64
}

// TableName sets the orders table name.
func (OrderRecord) TableName() string { return "journal_orders" }

// FillRecord is the persisted form of a fill.
type FillRecord struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	ClientOrderID  string `gorm:"index;size:64"`
	ExchangeFillID string `gorm:"uniqueIndex;size:96"`
	SymbolID       uint32 `gorm:"index"`
	Side           uint16
	Price          int64
	Qty            int64
	Fee            int64
	Seq            uint64
	FilledAtNs     int64
}

// TableName sets the fills table name.
func (FillRecord) TableName() string { return "journal_fills" }

// Store persists terminal orders and their fills when the ledger evicts
// them, and recovers positions at startup.
type Store struct {
	client *conn.Client
}

// New creates a store over an open connection.
func New(client *conn.Client) *Store {
	return &Store{client: client}
}

// Migrate creates or updates the journal tables.
func (s *Store) Migrate() error {
	return s.client.DB().AutoMigrate(&OrderRecord{}, &FillRecord{})
}

// RecordOrder persists one terminal order with its fills in a single
// transaction. Replays are idempotent.
func (s *Store) RecordOrder(order ledger.Order, fills []schema.Fill) error {
	record := OrderRecord{
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: order.ExchangeOrderID,
		StrategyID:      order.StrategyID,
		SymbolID:        uint32(order.SymbolID),
		Side:            uint16(order.Side),
		Type:            uint16(order.Type),
		Price:           int64(order.Price),
		Qty:             int64(order.Qty),
		FilledQty:       int64(order.FilledQty),
		State:           uint16(order.State),
		RejectReason:    order.RejectReason,
		CreatedAtNs:     order.CreatedAt,
		UpdatedAtNs:     order.UpdatedAt,
	}

	err := s.client.DB().Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "client_order_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"exchange_order_id", "filled_qty", "state", "reject_reason", "updated_at_ns",
			}),
		}).Create(&record).Error
		if err != nil {
			return err
		}

		for _, fill := range fills {
			fr := FillRecord{
				ClientOrderID:  fill.ClientOrderID,
				ExchangeFillID: fill.ExchangeFillID,
				SymbolID:       uint32(fill.SymbolID),
				Side:           uint16(fill.Side),
				Price:          int64(fill.Price),
				Qty:            int64(fill.Qty),
				Fee:            int64(fill.Fee),
				Seq:            fill.Seq,
				FilledAtNs:     fill.Time,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "exchange_fill_id"}},
				DoNothing: true,
			}).Create(&fr).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "record order")
	}
	return nil
}

// RecoverPositions derives net positions per symbol from all journaled
// fills.
func (s *Store) RecoverPositions() (map[schema.SymbolID]schema.Quantity, error) {
	type row struct {
		SymbolID uint32
		Side     uint16
		Total    int64
	}
	var rows []row
	err := s.client.DB().
		Model(&FillRecord{}).
		Select("symbol_id, side, SUM(qty) AS total").
		Group("symbol_id, side").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "recover positions")
	}

	positions := make(map[schema.SymbolID]schema.Quantity)
	for _, r := range rows {
		qty := schema.Quantity(r.Total)
		switch schema.OrderSide(r.Side) {
		case schema.OrderSideBuy:
			positions[schema.SymbolID(r.SymbolID)] += qty
		case schema.OrderSideSell:
			positions[schema.SymbolID(r.SymbolID)] -= qty
		}
	}
	return positions, nil
}

// TerminalOrders returns journaled orders for a strategy, newest first,
// bounded by limit.
func (s *Store) TerminalOrders(strategyID uint32, limit int) ([]OrderRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []OrderRecord
	err := s.client.DB().
		Where("strategy_id = ?", strategyID).
		Order("updated_at_ns DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, errors.Wrap(err, "list terminal orders")
	}
	return records, nil
}
