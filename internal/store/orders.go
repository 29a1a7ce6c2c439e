package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// OrderRecord 为订单在存储层的行视图,由 OMS 负责与领域模型互转。
type OrderRecord struct {
	ID               string
	Symbol           string
	Side             string
	Quantity         int64
	OrderType        string
	TimeInForce      string
	LimitPrice       float64
	StopPrice        float64
	Status           string
	BrokerOrderID    string
	FilledQuantity   int64
	AverageFillPrice float64
	Fingerprint      string
	Venue            string
	RejectionReason  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SaveOrder 以 upsert 方式持久化订单最新状态。
func (s *Store) SaveOrder(ctx context.Context, rec OrderRecord) error {
	if rec.ID == "" {
		return errors.New("store: 订单缺少 id")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, symbol, side, quantity, order_type, time_in_force,
			limit_price, stop_price, status, broker_order_id, filled_quantity,
			average_fill_price, fingerprint, venue, rejection_reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			broker_order_id = excluded.broker_order_id,
			filled_quantity = excluded.filled_quantity,
			average_fill_price = excluded.average_fill_price,
			rejection_reason = excluded.rejection_reason,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Symbol, rec.Side, rec.Quantity, rec.OrderType, rec.TimeInForce,
		rec.LimitPrice, rec.StopPrice, rec.Status, rec.BrokerOrderID, rec.FilledQuantity,
		rec.AverageFillPrice, rec.Fingerprint, rec.Venue, rec.RejectionReason,
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("store: 持久化订单失败: %w", err)
	}

	return nil
}

// LoadOpenOrders 返回所有非终态订单,供启动时恢复。
func (s *Store) LoadOpenOrders(ctx context.Context) ([]OrderRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol, side, quantity, order_type, time_in_force,
			limit_price, stop_price, status, broker_order_id, filled_quantity,
			average_fill_price, fingerprint, venue, rejection_reason, created_at, updated_at
		 FROM orders
		 WHERE status NOT IN ('FILLED', 'CANCELLED', 'REJECTED')
		 ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: 查询未完结订单失败: %w", err)
	}
	defer rows.Close()

	var records []OrderRecord
	for rows.Next() {
		rec, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

func scanOrder(rows *sql.Rows) (OrderRecord, error) {
	var (
		rec                  OrderRecord
		createdAt, updatedAt string
	)

	if err := rows.Scan(&rec.ID, &rec.Symbol, &rec.Side, &rec.Quantity, &rec.OrderType,
		&rec.TimeInForce, &rec.LimitPrice, &rec.StopPrice, &rec.Status, &rec.BrokerOrderID,
		&rec.FilledQuantity, &rec.AverageFillPrice, &rec.Fingerprint, &rec.Venue,
		&rec.RejectionReason, &createdAt, &updatedAt); err != nil {
		return rec, fmt.Errorf("store: 读取订单失败: %w", err)
	}

	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = ts
	}

	return rec, nil
}
