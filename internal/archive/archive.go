// Package archive 将已销毁的呼叫会话落入PostgreSQL供审计查询
// 归档是尽力而为：失败只影响审计，不影响呼叫处置的正确性
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"CallScreenGuard/internal/screening"
)

// Config 数据库配置
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Host:    "localhost",
		Port:    5432,
		User:    "postgres",
		DBName:  "callscreen",
		SSLMode: "disable",
	}
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS archived_sessions (
    session_id       TEXT PRIMARY KEY,
    call_id          TEXT NOT NULL,
    final_state      TEXT NOT NULL,
    claimed_identity TEXT NOT NULL DEFAULT '',
    transcript       JSONB NOT NULL DEFAULT '[]'::jsonb,
    verdict          JSONB,
    attempt_count    INT NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL,
    resolved_at      TIMESTAMPTZ,
    archived_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_archived_sessions_call_id ON archived_sessions (call_id);
CREATE INDEX IF NOT EXISTS idx_archived_sessions_state ON archived_sessions (final_state);
`

// Store 归档存储
type Store struct {
	pool *pgxpool.Pool
}

// Connect 连接PostgreSQL并确保归档表存在
func Connect(ctx context.Context, config *Config) (*Store, error) {
	if config == nil {
		config = DefaultConfig()
	}

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		config.User, config.Password, config.Host, config.Port, config.DBName, config.SSLMode,
	)

	// 配置连接池
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// 归档是低频写入，池子不需要太大
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure archive schema: %w", err)
	}

	log.Println("✅ Archive database connected")
	return &Store{pool: pool}, nil
}

// Close 关闭连接池
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Archive 写入一条已销毁会话
func (s *Store) Archive(ctx context.Context, snap screening.SessionSnapshot) error {
	transcript, err := json.Marshal(snap.Transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript failed: %w", err)
	}

	var verdict []byte
	if snap.Verdict != nil {
		verdict, err = json.Marshal(snap.Verdict)
		if err != nil {
			return fmt.Errorf("marshal verdict failed: %w", err)
		}
	}

	var resolvedAt *time.Time
	if !snap.ResolvedAt.IsZero() {
		resolvedAt = &snap.ResolvedAt
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO archived_sessions
			(session_id, call_id, final_state, claimed_identity, transcript, verdict, attempt_count, created_at, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO NOTHING`,
		snap.SessionID, snap.CallID, snap.State, snap.ClaimedIdentity,
		transcript, verdict, snap.AttemptCount, snap.CreatedAt, resolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert archived session failed: %w", err)
	}
	return nil
}

// ArchivedSession 归档记录
type ArchivedSession struct {
	SessionID       string          `json:"session_id"`
	CallID          string          `json:"call_id"`
	FinalState      string          `json:"final_state"`
	ClaimedIdentity string          `json:"claimed_identity,omitempty"`
	Transcript      json.RawMessage `json:"transcript"`
	Verdict         json.RawMessage `json:"verdict,omitempty"`
	AttemptCount    int             `json:"attempt_count"`
	CreatedAt       time.Time       `json:"created_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	ArchivedAt      time.Time       `json:"archived_at"`
}

// Get 按会话ID查询归档记录
func (s *Store) Get(ctx context.Context, sessionID string) (*ArchivedSession, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, call_id, final_state, claimed_identity, transcript, verdict,
		       attempt_count, created_at, resolved_at, archived_at
		FROM archived_sessions WHERE session_id = $1`, sessionID)

	var rec ArchivedSession
	err := row.Scan(&rec.SessionID, &rec.CallID, &rec.FinalState, &rec.ClaimedIdentity,
		&rec.Transcript, &rec.Verdict, &rec.AttemptCount, &rec.CreatedAt, &rec.ResolvedAt, &rec.ArchivedAt)
	if err != nil {
		return nil, fmt.Errorf("query archived session failed: %w", err)
	}
	return &rec, nil
}

// List 按终态过滤列出归档记录（state为空表示全部）
func (s *Store) List(ctx context.Context, state string, limit int) ([]*ArchivedSession, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT session_id, call_id, final_state, claimed_identity, transcript, verdict,
		       attempt_count, created_at, resolved_at, archived_at
		FROM archived_sessions
		WHERE ($1 = '' OR final_state = $1)
		ORDER BY archived_at DESC
		LIMIT $2`, state, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived sessions failed: %w", err)
	}
	defer rows.Close()

	var records []*ArchivedSession
	for rows.Next() {
		var rec ArchivedSession
		if err := rows.Scan(&rec.SessionID, &rec.CallID, &rec.FinalState, &rec.ClaimedIdentity,
			&rec.Transcript, &rec.Verdict, &rec.AttemptCount, &rec.CreatedAt, &rec.ResolvedAt, &rec.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan archived session failed: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}
