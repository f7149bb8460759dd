package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/testpool/testpoold/internal/domain"
)

// PostgresStore is the production Store, backed by pgx. Every mutating
// operation that needs read-then-write atomicity runs inside a
// transaction using SELECT ... FOR UPDATE to serialize concurrent callers
// (the reservation HTTP API and the reconciliation loop both touch
// resource rows).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn, verifies connectivity and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS host (
			id         TEXT PRIMARY KEY,
			connection TEXT NOT NULL,
			product    TEXT NOT NULL,
			UNIQUE (connection, product)
		)`,
		`CREATE TABLE IF NOT EXISTS pool (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL UNIQUE,
			host_id       TEXT NOT NULL REFERENCES host(id),
			template_name TEXT NOT NULL,
			resource_max  INTEGER NOT NULL CHECK (resource_max >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS resource (
			id          TEXT PRIMARY KEY,
			pool_id     TEXT NOT NULL REFERENCES pool(id) ON DELETE CASCADE,
			name        TEXT NOT NULL,
			status      TEXT NOT NULL,
			action      TEXT NOT NULL,
			action_time TIMESTAMPTZ NOT NULL,
			ip_addr     TEXT NOT NULL DEFAULT '',
			attempts    INTEGER NOT NULL DEFAULT 0,
			seq         BIGSERIAL,
			UNIQUE (pool_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS attribute (
			id    TEXT PRIMARY KEY,
			key   TEXT NOT NULL,
			value TEXT NOT NULL,
			UNIQUE (key, value)
		)`,
		`CREATE TABLE IF NOT EXISTS resource_attribute (
			resource_id  TEXT NOT NULL REFERENCES resource(id) ON DELETE CASCADE,
			attribute_id TEXT NOT NULL REFERENCES attribute(id) ON DELETE CASCADE,
			PRIMARY KEY (resource_id, attribute_id)
		)`,
		`CREATE TABLE IF NOT EXISTS pool_attribute (
			pool_id      TEXT NOT NULL REFERENCES pool(id) ON DELETE CASCADE,
			attribute_id TEXT NOT NULL REFERENCES attribute(id) ON DELETE CASCADE,
			PRIMARY KEY (pool_id, attribute_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateHost(ctx context.Context, h *domain.Host) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO host (id, connection, product) VALUES ($1, $2, $3)`,
		h.ID, h.Connection, h.Product)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

func (s *PostgresStore) GetHost(ctx context.Context, id string) (*domain.Host, error) {
	h := &domain.Host{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, connection, product FROM host WHERE id = $1`, id,
	).Scan(&h.ID, &h.Connection, &h.Product)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrUnknownHost
	}
	return h, err
}

func (s *PostgresStore) GetHostByConnection(ctx context.Context, connection, product string) (*domain.Host, error) {
	h := &domain.Host{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, connection, product FROM host WHERE connection = $1 AND product = $2`,
		connection, product,
	).Scan(&h.ID, &h.Connection, &h.Product)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrUnknownHost
	}
	return h, err
}

func (s *PostgresStore) ListHosts(ctx context.Context) ([]*domain.Host, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, connection, product FROM host ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Host
	for rows.Next() {
		h := &domain.Host{}
		if err := rows.Scan(&h.ID, &h.Connection, &h.Product); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteHost(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM host WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUnknownHost
	}
	return nil
}

func (s *PostgresStore) CreatePool(ctx context.Context, p *domain.Pool) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pool (id, name, host_id, template_name, resource_max) VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.Name, p.HostID, p.TemplateName, p.ResourceMax)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	return err
}

func scanPool(row pgx.Row) (*domain.Pool, error) {
	p := &domain.Pool{}
	err := row.Scan(&p.ID, &p.Name, &p.HostID, &p.TemplateName, &p.ResourceMax)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrUnknownPool
	}
	return p, err
}

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*domain.Pool, error) {
	return scanPool(s.pool.QueryRow(ctx,
		`SELECT id, name, host_id, template_name, resource_max FROM pool WHERE id = $1`, id))
}

func (s *PostgresStore) GetPoolByName(ctx context.Context, name string) (*domain.Pool, error) {
	return scanPool(s.pool.QueryRow(ctx,
		`SELECT id, name, host_id, template_name, resource_max FROM pool WHERE name = $1`, name))
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]*domain.Pool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, host_id, template_name, resource_max FROM pool ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Pool
	for rows.Next() {
		p := &domain.Pool{}
		if err := rows.Scan(&p.ID, &p.Name, &p.HostID, &p.TemplateName, &p.ResourceMax); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetPoolResourceMax(ctx context.Context, poolID string, max int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE pool SET resource_max = $1 WHERE id = $2`, max, poolID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUnknownPool
	}
	return nil
}

func (s *PostgresStore) DeletePool(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pool WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrUnknownPool
	}
	return nil
}

func (s *PostgresStore) CreateResource(ctx context.Context, r *domain.Resource) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return s.pool.QueryRow(ctx,
		`INSERT INTO resource (id, pool_id, name, status, action, action_time, ip_addr, attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING seq`,
		r.ID, r.PoolID, r.Name, string(r.Status), string(r.Action), r.ActionTime, r.IPAddr, r.Attempts,
	).Scan(&r.Seq)
}

func scanResource(row pgx.Row) (*domain.Resource, error) {
	r := &domain.Resource{}
	var status, action string
	err := row.Scan(&r.ID, &r.PoolID, &r.Name, &status, &action, &r.ActionTime, &r.IPAddr, &r.Attempts, &r.Seq)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = domain.Status(status)
	r.Action = domain.Action(action)
	return r, nil
}

const resourceColumns = `id, pool_id, name, status, action, action_time, ip_addr, attempts, seq`

func (s *PostgresStore) GetResource(ctx context.Context, id string) (*domain.Resource, error) {
	return scanResource(s.pool.QueryRow(ctx,
		`SELECT `+resourceColumns+` FROM resource WHERE id = $1`, id))
}

func (s *PostgresStore) queryResources(ctx context.Context, query string, args ...any) ([]*domain.Resource, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPoolResources(ctx context.Context, poolID string) ([]*domain.Resource, error) {
	return s.queryResources(ctx,
		`SELECT `+resourceColumns+` FROM resource WHERE pool_id = $1 ORDER BY seq`, poolID)
}

func (s *PostgresStore) ListActionable(ctx context.Context, poolID string) ([]*domain.Resource, error) {
	return s.queryResources(ctx,
		`SELECT `+resourceColumns+` FROM resource WHERE pool_id = $1 AND status != $2
		 ORDER BY action_time, seq`, poolID, string(domain.StatusReady))
}

func (s *PostgresStore) NextDue(ctx context.Context) (*domain.Resource, bool, error) {
	r, err := scanResource(s.pool.QueryRow(ctx,
		`SELECT `+resourceColumns+` FROM resource WHERE status != $1
		 ORDER BY action_time, seq LIMIT 1`, string(domain.StatusReady)))
	if err == domain.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return r, true, nil
}

func (s *PostgresStore) Transition(ctx context.Context, resourceID string, status domain.Status, action domain.Action, delay time.Duration) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT true FROM resource WHERE id = $1 FOR UPDATE`, resourceID).Scan(&exists)
		if err == pgx.ErrNoRows {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE resource SET status = $1, action = $2, action_time = now() + $3
			 WHERE id = $4`,
			string(status), string(action), delay, resourceID)
		return err
	})
}

func (s *PostgresStore) DeleteResource(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM resource WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetIPAddr(ctx context.Context, id, ip string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE resource SET ip_addr = $1 WHERE id = $2`, ip, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IncrementAttempts(ctx context.Context, id string) (int, error) {
	var attempts int
	err := s.pool.QueryRow(ctx,
		`UPDATE resource SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`, id,
	).Scan(&attempts)
	if err == pgx.ErrNoRows {
		return 0, domain.ErrNotFound
	}
	return attempts, err
}

func (s *PostgresStore) ResetAttempts(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE resource SET attempts = 0 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AcquireReady(ctx context.Context, poolID string, ttl time.Duration) (*domain.Resource, error) {
	var acquired *domain.Resource
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		r, err := scanResource(tx.QueryRow(ctx,
			`SELECT `+resourceColumns+` FROM resource
			 WHERE pool_id = $1 AND status = $2
			 ORDER BY name LIMIT 1 FOR UPDATE SKIP LOCKED`,
			poolID, string(domain.StatusReady)))
		if err == domain.ErrNotFound {
			return domain.ErrNoResources
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE resource SET status = $1, action = $2, action_time = now() + $3 WHERE id = $4`,
			string(domain.StatusReserved), string(domain.ActionNone), ttl, r.ID)
		if err != nil {
			return err
		}
		r.Status = domain.StatusReserved
		r.Action = domain.ActionNone
		acquired = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

func (s *PostgresStore) ReleaseReserved(ctx context.Context, resourceID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM resource WHERE id = $1 FOR UPDATE`, resourceID).Scan(&status)
		if err == pgx.ErrNoRows {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if domain.Status(status) != domain.StatusReserved {
			return domain.ErrNotReserved
		}
		_, err = tx.Exec(ctx,
			`UPDATE resource SET status = $1, action = $2, action_time = now() + interval '1 second' WHERE id = $3`,
			string(domain.StatusPending), string(domain.ActionDestroy), resourceID)
		return err
	})
}

func (s *PostgresStore) PoolStats(ctx context.Context, poolID string) (*domain.PoolStats, error) {
	p, err := s.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	stats := &domain.PoolStats{Name: p.Name, ResourceMax: p.ResourceMax}
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM resource WHERE pool_id = $1 GROUP BY status`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch domain.Status(status) {
		case domain.StatusReady:
			stats.Ready = count
		case domain.StatusReserved:
			stats.Reserved = count
		case domain.StatusPending:
			stats.Pending = count
		case domain.StatusBad:
			stats.Bad = count
		}
	}
	return stats, rows.Err()
}

func (s *PostgresStore) ListPoolStats(ctx context.Context) ([]*domain.PoolStats, error) {
	pools, err := s.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.PoolStats, 0, len(pools))
	for _, p := range pools {
		st, err := s.PoolStats(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *PostgresStore) SetAttributes(ctx context.Context, resourceID string, attrs map[string]string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM resource_attribute WHERE resource_id = $1`, resourceID); err != nil {
			return err
		}
		for k, v := range attrs {
			attrID := uuid.NewString()
			err := tx.QueryRow(ctx,
				`INSERT INTO attribute (id, key, value) VALUES ($1, $2, $3)
				 ON CONFLICT (key, value) DO UPDATE SET key = EXCLUDED.key
				 RETURNING id`,
				attrID, k, v).Scan(&attrID)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO resource_attribute (resource_id, attribute_id) VALUES ($1, $2)
				 ON CONFLICT DO NOTHING`,
				resourceID, attrID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetAttributes(ctx context.Context, resourceID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT a.key, a.value FROM attribute a
		 JOIN resource_attribute ra ON ra.attribute_id = a.id
		 WHERE ra.resource_id = $1`, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	return err != nil && pgUniqueViolation(err)
}
