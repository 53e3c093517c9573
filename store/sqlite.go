package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/rushteam/streamrec/core"
	"github.com/rushteam/streamrec/pkg/metrics"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS user_actions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     TEXT    NOT NULL,
	item_id     TEXT    NOT NULL,
	action_type TEXT    NOT NULL,
	ts_ms       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_actions_user ON user_actions(user_id, ts_ms);
CREATE TABLE IF NOT EXISTS user_profiles (
	user_id           TEXT PRIMARY KEY,
	payload           BLOB    NOT NULL,
	interaction_count INTEGER NOT NULL,
	updated_ms        INTEGER NOT NULL
);
`

// SQLiteAuditOptions 是审计存储配置
type SQLiteAuditOptions struct {
	Path       string        `yaml:"path" env:"PATH"`
	QueueSize  int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	BatchSize  int           `yaml:"batch_size" env:"BATCH_SIZE"`
	FlushEvery time.Duration `yaml:"flush_every" env:"FLUSH_EVERY"`
}

// SQLiteAuditStore 把行为与已提交画像异步写入 SQLite，仅用于审计/备份。
//
// RecordAction/RecordProfile 只把记录放入有界队列后立即返回，不阻塞服务热路径；
// 队列满时丢弃记录并计数。后台协程按批次写入，一个批次一个事务。
type SQLiteAuditStore struct {
	db    *sql.DB
	queue chan auditRecord
	opts  SQLiteAuditOptions

	wg     sync.WaitGroup
	once   sync.Once
	closed chan struct{}
}

type auditRecord struct {
	action  *core.UserAction
	profile *core.UserProfile
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// OpenSQLiteAudit 打开（必要时创建）审计库并启动写入协程
func OpenSQLiteAudit(opts SQLiteAuditOptions) (*SQLiteAuditStore, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("audit storage path is required")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 256
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = time.Second
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path)
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接：:memory: 库按连接隔离，写入也只有一个协程
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}
	s := &SQLiteAuditStore{
		db:     db,
		queue:  make(chan auditRecord, opts.QueueSize),
		opts:   opts,
		closed: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

func (s *SQLiteAuditStore) enqueue(rec auditRecord) error {
	select {
	case <-s.closed:
		return core.NewDomainError(core.ModuleStore, core.ErrorCodeUnavailable, "audit store is closed")
	default:
	}
	select {
	case s.queue <- rec:
		return nil
	default:
		metrics.AuditDropped.Inc()
		return core.NewDomainError(core.ModuleStore, core.ErrorCodeUnavailable, "audit queue is full")
	}
}

// RecordAction 异步记录一条行为
func (s *SQLiteAuditStore) RecordAction(ctx context.Context, action core.UserAction) error {
	return s.enqueue(auditRecord{action: &action})
}

// RecordProfile 异步记录一次画像提交（按用户覆盖）
func (s *SQLiteAuditStore) RecordProfile(ctx context.Context, profile *core.UserProfile) error {
	if profile == nil {
		return nil
	}
	return s.enqueue(auditRecord{profile: profile.Clone()})
}

func (s *SQLiteAuditStore) writer() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.FlushEvery)
	defer ticker.Stop()

	batch := make([]auditRecord, 0, s.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.writeBatch(context.Background(), batch); err != nil {
			log.Error().Err(err).Int("records", len(batch)).Msg("audit batch write failed")
		}
		batch = batch[:0]
	}
	for {
		select {
		case rec := <-s.queue:
			batch = append(batch, rec)
			if len(batch) >= s.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.closed:
			for {
				select {
				case rec := <-s.queue:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *SQLiteAuditStore) writeBatch(ctx context.Context, batch []auditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range batch {
		switch {
		case rec.action != nil:
			a := rec.action
			_, err = tx.ExecContext(ctx,
				`INSERT INTO user_actions (user_id, item_id, action_type, ts_ms) VALUES (?, ?, ?, ?)`,
				a.UserID, a.ItemID, a.Action.String(), toMillis(a.Timestamp))
		case rec.profile != nil:
			p := rec.profile
			var payload []byte
			payload, err = json.Marshal(p)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO user_profiles (user_id, payload, interaction_count, updated_ms) VALUES (?, ?, ?, ?)
				 ON CONFLICT(user_id) DO UPDATE SET payload = excluded.payload,
				 interaction_count = excluded.interaction_count, updated_ms = excluded.updated_ms`,
				p.UserID, payload, p.InteractionCount, toMillis(p.UpdateTime))
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ActionsByUser 按时间顺序读取用户行为（备份恢复/排查用）
func (s *SQLiteAuditStore) ActionsByUser(ctx context.Context, userID string) ([]core.UserAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, action_type, ts_ms FROM user_actions WHERE user_id = ? ORDER BY ts_ms, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.UserAction
	for rows.Next() {
		var (
			itemID, kind string
			ts           int64
		)
		if err := rows.Scan(&itemID, &kind, &ts); err != nil {
			return nil, err
		}
		action, err := core.ParseActionType(kind)
		if err != nil {
			return nil, err
		}
		out = append(out, core.UserAction{UserID: userID, ItemID: itemID, Action: action, Timestamp: fromMillis(ts)})
	}
	return out, rows.Err()
}

// LoadProfile 读取最近一次备份的画像
func (s *SQLiteAuditStore) LoadProfile(ctx context.Context, userID string) (*core.UserProfile, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM user_profiles WHERE user_id = ?`, userID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Errorf(core.ModuleStore, core.ErrorCodeNotFound, "no profile backup for %s", userID)
	}
	if err != nil {
		return nil, err
	}
	p := &core.UserProfile{}
	if err := json.Unmarshal(payload, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Close 停止写入协程（先写完队列中的记录）并关闭数据库
func (s *SQLiteAuditStore) Close() error {
	s.once.Do(func() { close(s.closed) })
	s.wg.Wait()
	return s.db.Close()
}

var _ core.AuditStore = (*SQLiteAuditStore)(nil)
