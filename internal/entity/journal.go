package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trade-broker/internal/store"
)

// Checkpoint 为某个实体最近一次提交的状态。
type Checkpoint struct {
	State        TradingBrokerState
	LastSignalID int64
	Exists       bool
}

// StartRequest 为待派发的编排启动请求。
type StartRequest struct {
	InstanceID string
	Trade      Trade
}

// Commit 描述一次原子提交：新状态、已应用的信号序号以及可选的编排启动请求。
type Commit struct {
	Key      string
	SignalID int64
	State    TradingBrokerState
	Start    *StartRequest
}

// PendingSignal 为已落盘但尚未应用的信号。
type PendingSignal struct {
	ID  int64
	Key string
	Op  Operation
}

// Journal 抽象实体的持久化日志。
type Journal interface {
	// Append 追加一条信号并返回全局递增序号。
	Append(ctx context.Context, key string, op Operation) (int64, error)
	// Load 读取实体检查点，不存在时 Exists=false。
	Load(ctx context.Context, key string) (Checkpoint, error)
	// Commit 原子写入新状态、应用位点与启动请求。
	Commit(ctx context.Context, c Commit) error
	// Pending 按序号升序返回所有未应用的信号。
	Pending(ctx context.Context) ([]PendingSignal, error)
	// PendingStarts 返回尚未成功派发的编排启动请求。
	PendingStarts(ctx context.Context) ([]StartRequest, error)
	// MarkStarted 标记启动请求已派发。
	MarkStarted(ctx context.Context, instanceID string) error
}

// SQLiteJournal 基于 SQLite 的实体日志。
type SQLiteJournal struct {
	db *sql.DB
}

var _ Journal = (*SQLiteJournal)(nil)

// NewSQLiteJournal 创建日志并初始化表结构。
func NewSQLiteJournal(s *store.Store) (*SQLiteJournal, error) {
	if s == nil {
		return nil, errors.New("entity: store 不能为空")
	}

	j := &SQLiteJournal{db: s.DB()}
	if err := j.initSchema(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS entity_signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_key TEXT NOT NULL,
			operation TEXT NOT NULL,
			payload TEXT,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_entity_signals_key ON entity_signals(entity_key, id);`,
		`CREATE TABLE IF NOT EXISTS entity_states (
			entity_key TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			last_signal_id INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS entity_outbox (
			instance_id TEXT PRIMARY KEY,
			entity_key TEXT NOT NULL,
			trade TEXT NOT NULL,
			dispatched INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range schema {
		if _, err := j.db.Exec(stmt); err != nil {
			return fmt.Errorf("entity: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// Append 追加一条信号。
func (j *SQLiteJournal) Append(ctx context.Context, key string, op Operation) (int64, error) {
	payload, err := encodePayload(op)
	if err != nil {
		return 0, err
	}

	res, err := j.db.ExecContext(ctx,
		`INSERT INTO entity_signals (entity_key, operation, payload, created_at) VALUES (?, ?, ?, ?)`,
		key, string(op.Name()), string(payload), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("entity: 写入信号失败: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("entity: 读取信号序号失败: %w", err)
	}
	return id, nil
}

// Load 读取实体检查点。
func (j *SQLiteJournal) Load(ctx context.Context, key string) (Checkpoint, error) {
	var (
		raw    string
		lastID int64
	)

	err := j.db.QueryRowContext(ctx,
		`SELECT state, last_signal_id FROM entity_states WHERE entity_key = ?`, key,
	).Scan(&raw, &lastID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Checkpoint{}, nil
	case err != nil:
		return Checkpoint{}, fmt.Errorf("entity: 查询实体状态失败: %w", err)
	}

	var state TradingBrokerState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return Checkpoint{}, fmt.Errorf("entity: 解析实体状态失败: %w", err)
	}

	return Checkpoint{State: state, LastSignalID: lastID, Exists: true}, nil
}

// Commit 在单个事务内写入状态与启动请求。
func (j *SQLiteJournal) Commit(ctx context.Context, c Commit) (err error) {
	stateJSON, err := json.Marshal(c.State)
	if err != nil {
		return fmt.Errorf("entity: 序列化实体状态失败: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("entity: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO entity_states (entity_key, state, last_signal_id, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(entity_key) DO UPDATE SET state = excluded.state, last_signal_id = excluded.last_signal_id, updated_at = excluded.updated_at`,
		c.Key, string(stateJSON), c.SignalID, now,
	); err != nil {
		return fmt.Errorf("entity: 写入实体状态失败: %w", err)
	}

	if c.Start != nil {
		tradeJSON, marshalErr := json.Marshal(c.Start.Trade)
		if marshalErr != nil {
			err = fmt.Errorf("entity: 序列化交易失败: %w", marshalErr)
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO entity_outbox (instance_id, entity_key, trade, dispatched, created_at) VALUES (?, ?, ?, 0, ?)`,
			c.Start.InstanceID, c.Key, string(tradeJSON), now,
		); err != nil {
			return fmt.Errorf("entity: 写入编排启动请求失败: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("entity: 提交事务失败: %w", err)
	}
	return nil
}

// Pending 返回所有未应用的信号。
func (j *SQLiteJournal) Pending(ctx context.Context) ([]PendingSignal, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT s.id, s.entity_key, s.operation, s.payload
		 FROM entity_signals s
		 LEFT JOIN entity_states e ON e.entity_key = s.entity_key
		 WHERE s.id > COALESCE(e.last_signal_id, 0)
		 ORDER BY s.id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("entity: 查询待应用信号失败: %w", err)
	}
	defer rows.Close()

	var pending []PendingSignal
	for rows.Next() {
		var (
			id      int64
			key     string
			name    string
			payload sql.NullString
		)
		if err := rows.Scan(&id, &key, &name, &payload); err != nil {
			return nil, fmt.Errorf("entity: 解析信号失败: %w", err)
		}

		op, ok, err := ParseOperation(name, []byte(payload.String))
		if err != nil {
			return nil, fmt.Errorf("entity: 还原信号 %d 失败: %w", id, err)
		}
		if !ok {
			return nil, fmt.Errorf("entity: 信号 %d 的操作 %q 无法识别", id, name)
		}

		pending = append(pending, PendingSignal{ID: id, Key: key, Op: op})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entity: 读取信号失败: %w", err)
	}
	return pending, nil
}

// PendingStarts 返回未派发的启动请求。
func (j *SQLiteJournal) PendingStarts(ctx context.Context) ([]StartRequest, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT instance_id, trade FROM entity_outbox WHERE dispatched = 0 ORDER BY rowid ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("entity: 查询编排启动请求失败: %w", err)
	}
	defer rows.Close()

	var starts []StartRequest
	for rows.Next() {
		var (
			instanceID string
			raw        string
		)
		if err := rows.Scan(&instanceID, &raw); err != nil {
			return nil, fmt.Errorf("entity: 解析编排启动请求失败: %w", err)
		}

		var trade Trade
		if err := json.Unmarshal([]byte(raw), &trade); err != nil {
			return nil, fmt.Errorf("entity: 解析交易失败: %w", err)
		}
		starts = append(starts, StartRequest{InstanceID: instanceID, Trade: trade})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entity: 读取编排启动请求失败: %w", err)
	}
	return starts, nil
}

// MarkStarted 标记启动请求已派发。
func (j *SQLiteJournal) MarkStarted(ctx context.Context, instanceID string) error {
	if _, err := j.db.ExecContext(ctx,
		`UPDATE entity_outbox SET dispatched = 1 WHERE instance_id = ?`, instanceID,
	); err != nil {
		return fmt.Errorf("entity: 更新编排启动请求失败: %w", err)
	}
	return nil
}
