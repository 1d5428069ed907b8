package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"ChainPilot/internal/agent"
	xerrors "ChainPilot/internal/errors"
)

// MySQLConfig 描述 MySQL 连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore 使用 MySQL 持久化账本。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 打开连接并执行迁移。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store := &MySQLStore{db: db, now: time.Now}
	if err := store.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	return store, nil
}

func openDatabase(ctx context.Context, cfg MySQLConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	dsn, err := normalizeDSN(cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 MySQL DSN 失败")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	return db, nil
}

// normalizeDSN 强制 parseTime 与 UTC，时间列才能直接扫描为 time.Time。
func normalizeDSN(raw string) (string, error) {
	cfg, err := mysql.ParseDSN(raw)
	if err != nil {
		return "", err
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

const agentColumns = `id, user_id, type, active, frequency_seconds, limits, allowed_assets, blocked_assets,
    custom_instructions, wallet_id, wallet_address, onchain_id, next_run_at, last_run_at, claimed_by,
    claimed_until, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*agent.Config, error) {
	var (
		cfg          agent.Config
		agentType    string
		freqSeconds  int64
		limits       sql.NullString
		allowed      sql.NullString
		blocked      sql.NullString
		instructions sql.NullString
		nextRun      sql.NullTime
		lastRun      sql.NullTime
		claimedUntil sql.NullTime
	)
	if err := row.Scan(
		&cfg.ID,
		&cfg.UserID,
		&agentType,
		&cfg.Active,
		&freqSeconds,
		&limits,
		&allowed,
		&blocked,
		&instructions,
		&cfg.WalletID,
		&cfg.WalletAddress,
		&cfg.OnchainID,
		&nextRun,
		&lastRun,
		&cfg.ClaimedBy,
		&claimedUntil,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	cfg.Type = agent.Type(agentType)
	cfg.Frequency = time.Duration(freqSeconds) * time.Second
	cfg.CustomInstructions = instructions.String
	if limits.Valid && limits.String != "" {
		if err := json.Unmarshal([]byte(limits.String), &cfg.Limits); err != nil {
			return nil, err
		}
	}
	if allowed.Valid && allowed.String != "" {
		if err := json.Unmarshal([]byte(allowed.String), &cfg.AllowedAssets); err != nil {
			return nil, err
		}
	}
	if blocked.Valid && blocked.String != "" {
		if err := json.Unmarshal([]byte(blocked.String), &cfg.BlockedAssets); err != nil {
			return nil, err
		}
	}
	cfg.NextRunAt = nullTime(nextRun)
	cfg.LastRunAt = nullTime(lastRun)
	cfg.ClaimedUntil = nullTime(claimedUntil)
	return &cfg, nil
}

// GetAgent 查询智能体。
func (s *MySQLStore) GetAgent(ctx context.Context, id string) (*agent.Config, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	cfg, err := scanAgent(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体失败")
	}
	return cfg, nil
}

// UpsertAgent 写入智能体配置，更新时不改动调度与领取字段。
func (s *MySQLStore) UpsertAgent(ctx context.Context, cfg *agent.Config) error {
	if cfg == nil || strings.TrimSpace(cfg.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	limits, err := json.Marshal(cfg.Limits)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码风控配置失败")
	}
	allowed, err := json.Marshal(nonNil(cfg.AllowedAssets))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码白名单失败")
	}
	blocked, err := json.Marshal(nonNil(cfg.BlockedAssets))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码黑名单失败")
	}
	now := s.now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	const stmt = `INSERT INTO agents
    (id, user_id, type, active, frequency_seconds, limits, allowed_assets, blocked_assets, custom_instructions,
     wallet_id, wallet_address, onchain_id, next_run_at, claimed_by, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)
    ON DUPLICATE KEY UPDATE active = VALUES(active), frequency_seconds = VALUES(frequency_seconds),
     limits = VALUES(limits), allowed_assets = VALUES(allowed_assets), blocked_assets = VALUES(blocked_assets),
     custom_instructions = VALUES(custom_instructions), wallet_id = VALUES(wallet_id),
     wallet_address = VALUES(wallet_address), onchain_id = VALUES(onchain_id), updated_at = VALUES(updated_at)`

	_, err = s.db.ExecContext(ctx, stmt,
		cfg.ID,
		cfg.UserID,
		string(cfg.Type),
		cfg.Active,
		int64(cfg.Frequency/time.Second),
		string(limits),
		string(allowed),
		string(blocked),
		cfg.CustomInstructions,
		cfg.WalletID,
		cfg.WalletAddress,
		cfg.OnchainID,
		toNullTime(cfg.NextRunAt),
		cfg.CreatedAt,
		cfg.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return xerrors.Wrap(xerrors.CodeConflict, err, "同一用户同一类型只能有一个智能体")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入智能体失败")
	}
	return nil
}

// ListDue 返回到期且未被领取的智能体。
func (s *MySQLStore) ListDue(ctx context.Context, now time.Time, limit int) ([]agent.Config, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents
    WHERE active = 1 AND (next_run_at IS NULL OR next_run_at <= ?)
      AND (claimed_by = '' OR claimed_until IS NULL OR claimed_until <= ?)
    ORDER BY next_run_at ASC, id ASC LIMIT ?`, now.UTC(), now.UTC(), limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询到期智能体失败")
	}
	defer rows.Close()

	var due []agent.Config
	for rows.Next() {
		cfg, err := scanAgent(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体失败")
		}
		due = append(due, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体失败")
	}
	return due, nil
}

// Claim 通过条件更新领取智能体，存在未过期的领取时返回 AGENT_BUSY。
func (s *MySQLStore) Claim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*agent.Config, error) {
	const stmt = `UPDATE agents SET claimed_by = ?, claimed_until = ?, updated_at = ?
    WHERE id = ? AND (claimed_by = '' OR claimed_until IS NULL OR claimed_until <= ?)`

	return s.claim(ctx, stmt, id, owner, now, ttl)
}

// ClaimDue 仅在智能体 active、已到期且未被领取时领取，供定时调度使用。
func (s *MySQLStore) ClaimDue(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (*agent.Config, error) {
	const stmt = `UPDATE agents SET claimed_by = ?, claimed_until = ?, updated_at = ?
    WHERE id = ? AND (claimed_by = '' OR claimed_until IS NULL OR claimed_until <= ?)
      AND active = 1 AND (next_run_at IS NULL OR next_run_at <= ?)`

	return s.claim(ctx, stmt, id, owner, now, ttl, now.UTC())
}

func (s *MySQLStore) claim(ctx context.Context, stmt, id, owner string, now time.Time, ttl time.Duration, extra ...any) (*agent.Config, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "owner 不能为空")
	}
	args := append([]any{owner, now.Add(ttl).UTC(), s.now().UTC(), id, now.UTC()}, extra...)
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "领取智能体失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取领取结果失败")
	}
	cfg, err := s.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if cfg.ClaimedBy != "" && cfg.ClaimedUntil.After(now) {
			return cfg, ErrAgentBusy
		}
		return cfg, ErrAgentNotDue
	}
	return cfg, nil
}

// Release 释放领取，next_run_at 取新旧值中较晚者。
func (s *MySQLStore) Release(ctx context.Context, id, owner string, lastRun, nextRun time.Time) error {
	const stmt = `UPDATE agents SET claimed_by = '', claimed_until = NULL, last_run_at = ?,
    next_run_at = GREATEST(COALESCE(next_run_at, ?), ?), updated_at = ?
    WHERE id = ? AND claimed_by = ?`

	res, err := s.db.ExecContext(ctx, stmt, lastRun.UTC(), nextRun.UTC(), nextRun.UTC(), s.now().UTC(), id, owner)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放智能体失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取释放结果失败")
	}
	if affected == 0 {
		return ErrClaimLost
	}
	return nil
}

// MarkTriggered 记录手动触发。
func (s *MySQLStore) MarkTriggered(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	const stmt = `UPDATE agents SET last_run_at = ?, next_run_at = GREATEST(COALESCE(next_run_at, ?), ?), updated_at = ?
    WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt, lastRun.UTC(), nextRun.UTC(), nextRun.UTC(), s.now().UTC(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录手动触发失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取触发结果失败")
	}
	if affected == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// AppendEvent 追加时间线事件。
func (s *MySQLStore) AppendEvent(ctx context.Context, event agent.TimelineEvent) error {
	if event.ID == "" || event.AgentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "事件缺少 id 或 agent_id")
	}
	detail, err := json.Marshal(event.Detail)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件详情失败")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now().UTC()
	}
	const stmt = `INSERT INTO timeline_events (id, agent_id, run_id, type, outcome, summary, detail, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		event.ID,
		event.AgentID,
		event.RunID,
		string(event.Type),
		string(event.Outcome),
		event.Summary,
		string(detail),
		event.CreatedAt.UTC(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入时间线失败")
	}
	return nil
}

// ListEvents 按时间倒序返回事件。
func (s *MySQLStore) ListEvents(ctx context.Context, agentID string, limit int) ([]agent.TimelineEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, agent_id, run_id, type, outcome, summary, detail, created_at
    FROM timeline_events WHERE agent_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询时间线失败")
	}
	defer rows.Close()

	var events []agent.TimelineEvent
	for rows.Next() {
		var (
			ev        agent.TimelineEvent
			eventType string
			outcome   string
			detail    sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.AgentID, &ev.RunID, &eventType, &outcome, &ev.Summary, &detail, &ev.CreatedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析时间线失败")
		}
		ev.Type = agent.EventType(eventType)
		ev.Outcome = agent.Outcome(outcome)
		if detail.Valid && detail.String != "" && detail.String != "null" {
			if err := json.Unmarshal([]byte(detail.String), &ev.Detail); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件详情失败")
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历时间线失败")
	}
	return events, nil
}

// CountTrades 统计成功的交易事件数量。
func (s *MySQLStore) CountTrades(ctx context.Context, agentID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM timeline_events
    WHERE agent_id = ? AND type = ? AND outcome = ? AND created_at >= ?`,
		agentID, string(agent.EventTrade), string(agent.OutcomeSuccess), since.UTC()).Scan(&count)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计交易次数失败")
	}
	return count, nil
}

const positionColumns = `wallet_address, asset, kind, balance, cost_basis_usd, entry_rate, entered_at, updated_at`

func scanPosition(row rowScanner) (*agent.Position, error) {
	var (
		pos       agent.Position
		kind      string
		enteredAt sql.NullTime
	)
	if err := row.Scan(&pos.WalletAddress, &pos.Asset, &kind, &pos.Balance, &pos.CostBasisUSD, &pos.EntryRate, &enteredAt, &pos.UpdatedAt); err != nil {
		return nil, err
	}
	pos.Kind = agent.PositionKind(kind)
	pos.EnteredAt = nullTime(enteredAt)
	return &pos, nil
}

// GetPosition 查询头寸。
func (s *MySQLStore) GetPosition(ctx context.Context, wallet, asset string) (*agent.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE wallet_address = ? AND asset = ?`,
		strings.ToLower(wallet), agent.HoldingKey(asset))
	pos, err := scanPosition(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrPositionNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询头寸失败")
	}
	return pos, nil
}

// UpsertPosition 写入头寸。
func (s *MySQLStore) UpsertPosition(ctx context.Context, position agent.Position) error {
	if position.WalletAddress == "" || position.Asset == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "头寸缺少钱包或资产")
	}
	if position.UpdatedAt.IsZero() {
		position.UpdatedAt = s.now().UTC()
	}
	const stmt = `INSERT INTO positions (` + positionColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE kind = VALUES(kind), balance = VALUES(balance), cost_basis_usd = VALUES(cost_basis_usd),
     entry_rate = VALUES(entry_rate), entered_at = VALUES(entered_at), updated_at = VALUES(updated_at)`

	if _, err := s.db.ExecContext(ctx, stmt,
		strings.ToLower(position.WalletAddress),
		agent.HoldingKey(position.Asset),
		string(position.Kind),
		position.Balance,
		position.CostBasisUSD,
		position.EntryRate,
		toNullTime(position.EnteredAt),
		position.UpdatedAt.UTC(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入头寸失败")
	}
	return nil
}

// ListPositions 返回钱包全部头寸。
func (s *MySQLStore) ListPositions(ctx context.Context, wallet string) ([]agent.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE wallet_address = ? ORDER BY asset ASC`,
		strings.ToLower(wallet))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询头寸失败")
	}
	defer rows.Close()

	var out []agent.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析头寸失败")
		}
		out = append(out, *pos)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历头寸失败")
	}
	return out, nil
}

// Close 关闭连接池。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullTime(v sql.NullTime) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return v.Time.UTC()
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

var _ agent.Store = (*MySQLStore)(nil)
