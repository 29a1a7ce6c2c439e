package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditRecord 为一条只追加的审计记录。
// 订单状态迁移与每次风控评估决策都必须落盘。
type AuditRecord struct {
	OccurredAt time.Time   `json:"occurred_at"`
	Kind       string      `json:"kind"`
	OrderID    string      `json:"order_id,omitempty"`
	Decision   string      `json:"decision,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Payload    interface{} `json:"payload,omitempty"`
}

// Append 写入一条审计记录,记录只增不改。
func (s *Store) Append(ctx context.Context, record AuditRecord) error {
	if record.Kind == "" {
		return fmt.Errorf("store: 审计记录缺少 kind")
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now().UTC()
	}

	var payload []byte
	if record.Payload != nil {
		data, err := json.Marshal(record.Payload)
		if err != nil {
			return fmt.Errorf("store: 序列化审计内容失败: %w", err)
		}
		payload = data
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (occurred_at, kind, order_id, decision, reason, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		record.OccurredAt.Format(time.RFC3339Nano),
		record.Kind, record.OrderID, record.Decision, record.Reason, string(payload),
	)
	if err != nil {
		return fmt.Errorf("store: 写入审计记录失败: %w", err)
	}

	return nil
}

// AuditEntry 为审计查询返回的条目。
type AuditEntry struct {
	ID         int64           `json:"id"`
	OccurredAt string          `json:"occurred_at"`
	Kind       string          `json:"kind"`
	OrderID    string          `json:"order_id,omitempty"`
	Decision   string          `json:"decision,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ListAudit 按时间倒序返回审计记录,kind 为空时不过滤。
func (s *Store) ListAudit(ctx context.Context, kind string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT id, occurred_at, kind, order_id, decision, reason, payload
	          FROM audit_log`
	args := make([]interface{}, 0, 2)
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: 查询审计记录失败: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditEntry, 0, limit)
	for rows.Next() {
		var entry AuditEntry
		var payload string
		if err := rows.Scan(&entry.ID, &entry.OccurredAt, &entry.Kind,
			&entry.OrderID, &entry.Decision, &entry.Reason, &payload); err != nil {
			return nil, fmt.Errorf("store: 读取审计记录失败: %w", err)
		}
		if payload != "" {
			entry.Payload = json.RawMessage(payload)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
