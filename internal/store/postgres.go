package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/botloader/scriptruntime/internal/domain"
)

// PostgresConfigStore implements ConfigStore on top of a pgxpool.Pool,
// matching oriys-nova's ensureSchema-on-connect idiom (see
// oriys-nova/internal/store/postgres.go).
type PostgresConfigStore struct {
	pool *pgxpool.Pool
}

// NewPostgresConfigStore connects, pings, and ensures the schema exists.
func NewPostgresConfigStore(ctx context.Context, dsn string) (*PostgresConfigStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create postgres pool: %w", err)
	}
	s := &PostgresConfigStore{pool: pool}
	if err := s.pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresConfigStore) Close() { s.pool.Close() }

func (s *PostgresConfigStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scripts (
			id BIGINT PRIMARY KEY,
			tenant_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			source TEXT NOT NULL,
			compiled_js TEXT NOT NULL DEFAULT '',
			source_map TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			contribs JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (tenant_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS script_links (
			tenant_id BIGINT NOT NULL,
			script_id BIGINT NOT NULL REFERENCES scripts(id) ON DELETE CASCADE,
			context_kind SMALLINT NOT NULL,
			context_id BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (tenant_id, script_id, context_kind, context_id)
		)`,
		`CREATE TABLE IF NOT EXISTS meta_config (
			tenant_id BIGINT PRIMARY KEY,
			error_channel_id BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS interval_timers (
			tenant_id BIGINT NOT NULL,
			script_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			minutes INT NOT NULL DEFAULT 0,
			cron TEXT NOT NULL DEFAULT '',
			last_run TIMESTAMPTZ,
			PRIMARY KEY (tenant_id, script_id, name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

func marshalContribs(c domain.ScriptContribs) ([]byte, error) { return json.Marshal(c) }

func unmarshalContribs(b []byte) (domain.ScriptContribs, error) {
	var c domain.ScriptContribs
	if len(b) == 0 {
		return c, nil
	}
	err := json.Unmarshal(b, &c)
	return c, err
}

func (s *PostgresConfigStore) ListScripts(ctx context.Context, tenant domain.TenantID) ([]domain.Script, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, tenant_id, name, source, compiled_js, source_map, enabled, contribs, updated_at
		FROM scripts WHERE tenant_id = $1 ORDER BY id`, tenant)
	if err != nil {
		return nil, fmt.Errorf("store: list scripts: %w", err)
	}
	defer rows.Close()

	var out []domain.Script
	for rows.Next() {
		sc, err := scanScript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScript(row rowScanner) (domain.Script, error) {
	var sc domain.Script
	var contribs []byte
	if err := row.Scan(&sc.ID, &sc.TenantID, &sc.Name, &sc.Source, &sc.CompiledJS, &sc.SourceMap, &sc.Enabled, &contribs, &sc.UpdatedAt); err != nil {
		return domain.Script{}, fmt.Errorf("store: scan script: %w", err)
	}
	var err error
	sc.Contribs, err = unmarshalContribs(contribs)
	return sc, err
}

// ErrScriptNotFound is returned by GetScript for an unknown (tenant, id).
var ErrScriptNotFound = errors.New("store: script not found")

func (s *PostgresConfigStore) GetScript(ctx context.Context, tenant domain.TenantID, id domain.ScriptID) (domain.Script, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, tenant_id, name, source, compiled_js, source_map, enabled, contribs, updated_at
		FROM scripts WHERE tenant_id = $1 AND id = $2`, tenant, id)
	sc, err := scanScript(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Script{}, ErrScriptNotFound
	}
	return sc, err
}

func (s *PostgresConfigStore) CreateScript(ctx context.Context, sc domain.Script) (domain.Script, error) {
	if err := sc.Validate(); err != nil {
		return domain.Script{}, err
	}
	contribs, err := marshalContribs(sc.Contribs)
	if err != nil {
		return domain.Script{}, err
	}
	sc.UpdatedAt = time.Now()
	_, err = s.pool.Exec(ctx, `INSERT INTO scripts (id, tenant_id, name, source, compiled_js, source_map, enabled, contribs, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		sc.ID, sc.TenantID, sc.Name, sc.Source, sc.CompiledJS, sc.SourceMap, sc.Enabled, contribs, sc.UpdatedAt)
	if err != nil {
		return domain.Script{}, fmt.Errorf("store: create script: %w", err)
	}
	return sc, nil
}

func (s *PostgresConfigStore) UpdateScript(ctx context.Context, sc domain.Script) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	contribs, err := marshalContribs(sc.Contribs)
	if err != nil {
		return err
	}
	sc.UpdatedAt = time.Now()
	tag, err := s.pool.Exec(ctx, `UPDATE scripts SET name=$3, source=$4, compiled_js=$5, source_map=$6, enabled=$7, contribs=$8, updated_at=$9
		WHERE tenant_id=$1 AND id=$2`,
		sc.TenantID, sc.ID, sc.Name, sc.Source, sc.CompiledJS, sc.SourceMap, sc.Enabled, contribs, sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: update script: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScriptNotFound
	}
	return nil
}

func (s *PostgresConfigStore) DelScript(ctx context.Context, tenant domain.TenantID, id domain.ScriptID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scripts WHERE tenant_id=$1 AND id=$2`, tenant, id)
	if err != nil {
		return fmt.Errorf("store: delete script: %w", err)
	}
	return nil
}

func (s *PostgresConfigStore) ListLinks(ctx context.Context, tenant domain.TenantID) ([]ScriptLink, error) {
	rows, err := s.pool.Query(ctx, `SELECT script_id, context_kind, context_id FROM script_links WHERE tenant_id=$1`, tenant)
	if err != nil {
		return nil, fmt.Errorf("store: list links: %w", err)
	}
	defer rows.Close()

	var out []ScriptLink
	for rows.Next() {
		var l ScriptLink
		var kind int
		if err := rows.Scan(&l.ScriptID, &kind, &l.Context.ID); err != nil {
			return nil, fmt.Errorf("store: scan link: %w", err)
		}
		l.Context.Kind = domain.ScriptContextKind(kind)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresConfigStore) AddLink(ctx context.Context, tenant domain.TenantID, l ScriptLink) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO script_links (tenant_id, script_id, context_kind, context_id)
		VALUES ($1,$2,$3,$4) ON CONFLICT DO NOTHING`,
		tenant, l.ScriptID, int(l.Context.Kind), l.Context.ID)
	if err != nil {
		return fmt.Errorf("store: add link: %w", err)
	}
	return nil
}

func (s *PostgresConfigStore) DelLink(ctx context.Context, tenant domain.TenantID, l ScriptLink) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM script_links WHERE tenant_id=$1 AND script_id=$2 AND context_kind=$3 AND context_id=$4`,
		tenant, l.ScriptID, int(l.Context.Kind), l.Context.ID)
	if err != nil {
		return fmt.Errorf("store: del link: %w", err)
	}
	return nil
}

func (s *PostgresConfigStore) GetMetaConfig(ctx context.Context, tenant domain.TenantID) (MetaConfig, error) {
	var cfg MetaConfig
	err := s.pool.QueryRow(ctx, `SELECT error_channel_id FROM meta_config WHERE tenant_id=$1`, tenant).Scan(&cfg.ErrorChannelID)
	if errors.Is(err, pgx.ErrNoRows) {
		return MetaConfig{}, nil
	}
	if err != nil {
		return MetaConfig{}, fmt.Errorf("store: get meta config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresConfigStore) UpdateMetaConfig(ctx context.Context, tenant domain.TenantID, cfg MetaConfig) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO meta_config (tenant_id, error_channel_id) VALUES ($1,$2)
		ON CONFLICT (tenant_id) DO UPDATE SET error_channel_id=$2`, tenant, cfg.ErrorChannelID)
	if err != nil {
		return fmt.Errorf("store: update meta config: %w", err)
	}
	return nil
}

// ErrTimerNotFound is returned by GetIntervalTimer for an unknown timer.
var ErrTimerNotFound = errors.New("store: interval timer not found")

func (s *PostgresConfigStore) GetIntervalTimer(ctx context.Context, tenant domain.TenantID, script domain.ScriptID, name string) (IntervalTimer, error) {
	var t IntervalTimer
	t.TenantID, t.ScriptID, t.Name = tenant, script, name
	var lastRun *time.Time
	err := s.pool.QueryRow(ctx, `SELECT minutes, cron, last_run FROM interval_timers WHERE tenant_id=$1 AND script_id=$2 AND name=$3`,
		tenant, script, name).Scan(&t.Schedule.Minutes, &t.Schedule.Cron, &lastRun)
	if errors.Is(err, pgx.ErrNoRows) {
		return IntervalTimer{}, ErrTimerNotFound
	}
	if err != nil {
		return IntervalTimer{}, fmt.Errorf("store: get interval timer: %w", err)
	}
	if lastRun != nil {
		t.LastRun = *lastRun
	}
	return t, nil
}

func (s *PostgresConfigStore) UpdateIntervalTimer(ctx context.Context, t IntervalTimer) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO interval_timers (tenant_id, script_id, name, minutes, cron, last_run)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (tenant_id, script_id, name) DO UPDATE SET minutes=$4, cron=$5, last_run=$6`,
		t.TenantID, t.ScriptID, t.Name, t.Schedule.Minutes, t.Schedule.Cron, t.LastRun)
	if err != nil {
		return fmt.Errorf("store: update interval timer: %w", err)
	}
	return nil
}

func (s *PostgresConfigStore) DelIntervalTimer(ctx context.Context, tenant domain.TenantID, script domain.ScriptID, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM interval_timers WHERE tenant_id=$1 AND script_id=$2 AND name=$3`, tenant, script, name)
	if err != nil {
		return fmt.Errorf("store: delete interval timer: %w", err)
	}
	return nil
}

func (s *PostgresConfigStore) ListIntervalTimers(ctx context.Context, tenant domain.TenantID) ([]IntervalTimer, error) {
	rows, err := s.pool.Query(ctx, `SELECT script_id, name, minutes, cron, last_run FROM interval_timers WHERE tenant_id=$1`, tenant)
	if err != nil {
		return nil, fmt.Errorf("store: list interval timers: %w", err)
	}
	defer rows.Close()

	var out []IntervalTimer
	for rows.Next() {
		t := IntervalTimer{TenantID: tenant}
		var lastRun *time.Time
		if err := rows.Scan(&t.ScriptID, &t.Name, &t.Schedule.Minutes, &t.Schedule.Cron, &lastRun); err != nil {
			return nil, fmt.Errorf("store: scan interval timer: %w", err)
		}
		if lastRun != nil {
			t.LastRun = *lastRun
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
