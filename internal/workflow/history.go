package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trade-broker/internal/entity"
)

// Status 为编排实例状态。
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timed_out"
	StatusFailed    Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTimedOut || s == StatusFailed
}

type eventKind string

const (
	kindExecutionCompleted eventKind = "execution_completed"
	kindEntityCalled       eventKind = "entity_called"
	kindTimerCreated       eventKind = "timer_created"
	kindEventReceived      eventKind = "event_received"
	kindCompleted          eventKind = "orchestration_completed"
)

// Instance 为编排实例的对外视图。
type Instance struct {
	InstanceID string       `json:"instanceId"`
	TradeID    string       `json:"tradeId"`
	Status     Status       `json:"status"`
	Input      entity.Trade `json:"input"`
	Output     string       `json:"output,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

type historyEvent struct {
	Seq     int
	Kind    eventKind
	Payload json.RawMessage
}

type history []historyEvent

func (h history) find(kind eventKind) (json.RawMessage, bool) {
	for _, ev := range h {
		if ev.Kind == kind {
			return ev.Payload, true
		}
	}
	return nil, false
}

type entityCalled struct {
	Error string `json:"error,omitempty"`
}

type timerCreated struct {
	FireAt time.Time `json:"fireAt"`
}

type eventReceived struct {
	EventID int64  `json:"eventId"`
	Payload string `json:"payload"`
}

type completion struct {
	Status Status `json:"status"`
	Output string `json:"output"`
}

// historyStore 负责编排实例、历史与外部事件的持久化。
type historyStore struct {
	db *sql.DB
}

func (s *historyStore) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			instance_id TEXT PRIMARY KEY,
			trade_id TEXT NOT NULL,
			input TEXT NOT NULL,
			status TEXT NOT NULL,
			output TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_instances_status ON workflow_instances(status);`,
		`CREATE TABLE IF NOT EXISTS workflow_history (
			instance_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT,
			created_at TEXT NOT NULL,
			PRIMARY KEY (instance_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS workflow_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			claimed_by TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_events_trade ON workflow_events(trade_id, claimed_by, id);`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("workflow: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// createInstance 插入新实例，已存在时返回 false。
func (s *historyStore) createInstance(ctx context.Context, instanceID string, trade entity.Trade) (bool, error) {
	input, err := json.Marshal(trade)
	if err != nil {
		return false, fmt.Errorf("workflow: 序列化编排输入失败: %w", err)
	}

	now := formatTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO workflow_instances (instance_id, trade_id, input, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		instanceID, trade.TradeID, string(input), string(StatusRunning), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("workflow: 创建编排实例失败: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("workflow: 读取影响行数失败: %w", err)
	}
	return n > 0, nil
}

func (s *historyStore) loadInstance(ctx context.Context, instanceID string) (Instance, error) {
	var (
		inst      Instance
		input     string
		status    string
		output    sql.NullString
		createdAt string
		updatedAt string
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT instance_id, trade_id, input, status, output, created_at, updated_at FROM workflow_instances WHERE instance_id = ?`,
		instanceID,
	).Scan(&inst.InstanceID, &inst.TradeID, &input, &status, &output, &createdAt, &updatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	case err != nil:
		return Instance{}, fmt.Errorf("workflow: 查询编排实例失败: %w", err)
	}

	if err := json.Unmarshal([]byte(input), &inst.Input); err != nil {
		return Instance{}, fmt.Errorf("workflow: 解析编排输入失败: %w", err)
	}
	inst.Status = Status(status)
	inst.Output = output.String
	inst.CreatedAt = parseTime(createdAt)
	inst.UpdatedAt = parseTime(updatedAt)
	return inst, nil
}

func (s *historyStore) runningInstances(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id FROM workflow_instances WHERE status = ? ORDER BY created_at ASC, rowid ASC`,
		string(StatusRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("workflow: 查询运行中实例失败: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("workflow: 解析实例失败: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workflow: 读取实例失败: %w", err)
	}
	return ids, nil
}

func (s *historyStore) loadHistory(ctx context.Context, instanceID string) (history, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, payload FROM workflow_history WHERE instance_id = ? ORDER BY seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("workflow: 查询编排历史失败: %w", err)
	}
	defer rows.Close()

	var h history
	for rows.Next() {
		var (
			ev      historyEvent
			kind    string
			payload sql.NullString
		)
		if err := rows.Scan(&ev.Seq, &kind, &payload); err != nil {
			return nil, fmt.Errorf("workflow: 解析编排历史失败: %w", err)
		}
		ev.Kind = eventKind(kind)
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		h = append(h, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workflow: 读取编排历史失败: %w", err)
	}
	return h, nil
}

func (s *historyStore) appendHistory(ctx context.Context, instanceID string, seq int, kind eventKind, payload any) (historyEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return historyEvent{}, fmt.Errorf("workflow: 序列化历史事件失败: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_history (instance_id, seq, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		instanceID, seq, string(kind), string(raw), formatTime(time.Now()),
	); err != nil {
		return historyEvent{}, fmt.Errorf("workflow: 写入历史事件 %s 失败: %w", kind, err)
	}
	return historyEvent{Seq: seq, Kind: kind, Payload: raw}, nil
}

// finish 在单个事务内写入完成事件与实例终态。
func (s *historyStore) finish(ctx context.Context, instanceID string, seq int, c completion) (err error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("workflow: 序列化完成事件失败: %w", err)
	}

	now := formatTime(time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("workflow: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_history (instance_id, seq, kind, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		instanceID, seq, string(kindCompleted), string(raw), now,
	); err != nil {
		return fmt.Errorf("workflow: 写入完成事件失败: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE workflow_instances SET status = ?, output = ?, updated_at = ? WHERE instance_id = ?`,
		string(c.Status), c.Output, now, instanceID,
	); err != nil {
		return fmt.Errorf("workflow: 更新实例状态失败: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("workflow: 提交事务失败: %w", err)
	}
	return nil
}

func (s *historyStore) raiseEvent(ctx context.Context, tradeID, payload string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_events (trade_id, payload, created_at) VALUES (?, ?, ?)`,
		tradeID, payload, formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("workflow: 写入外部事件失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("workflow: 读取事件序号失败: %w", err)
	}
	return id, nil
}

// claimEvent 为实例认领一条外部事件。实例此前已认领但未记录的事件优先返回。
func (s *historyStore) claimEvent(ctx context.Context, instanceID, tradeID string) (eventReceived, bool, error) {
	var ev eventReceived

	err := s.db.QueryRowContext(ctx,
		`SELECT id, payload FROM workflow_events WHERE claimed_by = ? ORDER BY id ASC LIMIT 1`,
		instanceID,
	).Scan(&ev.EventID, &ev.Payload)
	switch {
	case err == nil:
		return ev, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return ev, false, fmt.Errorf("workflow: 查询已认领事件失败: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_events SET claimed_by = ?
		 WHERE id = (SELECT id FROM workflow_events WHERE trade_id = ? AND claimed_by IS NULL ORDER BY id ASC LIMIT 1)`,
		instanceID, tradeID,
	)
	if err != nil {
		return ev, false, fmt.Errorf("workflow: 认领外部事件失败: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return ev, false, fmt.Errorf("workflow: 读取影响行数失败: %w", err)
	}
	if n == 0 {
		return ev, false, nil
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT id, payload FROM workflow_events WHERE claimed_by = ? ORDER BY id ASC LIMIT 1`,
		instanceID,
	).Scan(&ev.EventID, &ev.Payload); err != nil {
		return ev, false, fmt.Errorf("workflow: 读取认领事件失败: %w", err)
	}
	return ev, true, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}
