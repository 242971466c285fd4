package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/watchparty/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const roomsSchema = `
CREATE TABLE IF NOT EXISTS watchparty_rooms (
	room_id       TEXT PRIMARY KEY,
	data          JSONB NOT NULL,
	last_empty_at TIMESTAMPTZ NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS watchparty_rooms_last_empty_at_idx
	ON watchparty_rooms (last_empty_at) WHERE last_empty_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS watchparty_rooms_created_at_idx
	ON watchparty_rooms (created_at);
`

type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ApplicationName string
	MaxRetries      int
}

type postgresBackend struct {
	pool       *pgxpool.Pool
	maxRetries int
}

func NewPostgresBackend(ctx context.Context, cfg PostgresConfig) (Backend, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, roomsSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure rooms schema: %w", err)
	}

	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 16
	}
	return &postgresBackend{pool: pool, maxRetries: retries}, nil
}

var serializableTx = pgx.TxOptions{IsoLevel: pgx.Serializable}

// retryable reports conflicts that a fresh transaction may resolve.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}

func (b *postgresBackend) inTx(ctx context.Context, id domain.RoomID, fn func(pgx.Tx) error) error {
	for attempt := 0; attempt < b.maxRetries; attempt++ {
		err := pgx.BeginTxFunc(ctx, b.pool, serializableTx, fn)
		if !retryable(err) {
			return err
		}
		log.Debug().Err(err).Str("module", "store").Str("room", string(id)).Int("attempt", attempt).Msg("postgres conflict, retrying")
		if err := backoff(ctx, attempt); err != nil {
			return err
		}
	}
	return ErrContention
}

func selectRoom(ctx context.Context, q interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}, id domain.RoomID, lock bool) (*domain.Room, error) {
	query := `SELECT data FROM watchparty_rooms WHERE room_id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var raw []byte
	if err := q.QueryRow(ctx, query, string(id)).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRoomNotFound
		}
		return nil, err
	}
	var room domain.Room
	if err := json.Unmarshal(raw, &room); err != nil {
		return nil, fmt.Errorf("decode room %s: %w", id, err)
	}
	return &room, nil
}

func (b *postgresBackend) Update(ctx context.Context, id domain.RoomID, create func() *domain.Room, fn MutateFunc) (*domain.Room, error) {
	var result *domain.Room
	err := b.inTx(ctx, id, func(tx pgx.Tx) error {
		result = nil
		room, err := selectRoom(ctx, tx, id, true)
		created := false
		if errors.Is(err, ErrRoomNotFound) && create != nil {
			room, created, err = create(), true, nil
		}
		if err != nil {
			return err
		}

		if err := fn(room, created); err != nil {
			if errors.Is(err, errNoWrite) {
				result = room
				return nil
			}
			return err
		}

		payload, err := json.Marshal(room)
		if err != nil {
			return fmt.Errorf("encode room %s: %w", id, err)
		}
		if created {
			_, err = tx.Exec(ctx, `
INSERT INTO watchparty_rooms (room_id, data, last_empty_at, created_at)
VALUES ($1, $2, $3, $4)
`, string(id), string(payload), room.LastEmptyAt, room.CreatedAt)
		} else {
			_, err = tx.Exec(ctx, `
UPDATE watchparty_rooms SET data = $2, last_empty_at = $3
WHERE room_id = $1
`, string(id), string(payload), room.LastEmptyAt)
		}
		if err != nil {
			return err
		}
		result = room
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *postgresBackend) Load(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	return selectRoom(ctx, b.pool, id, false)
}

func (b *postgresBackend) Candidates(ctx context.Context, emptyBefore, createdBefore time.Time) ([]domain.RoomID, error) {
	var created any
	if !createdBefore.IsZero() {
		created = createdBefore
	}
	rows, err := b.pool.Query(ctx, `
SELECT room_id FROM watchparty_rooms
WHERE (last_empty_at IS NOT NULL AND last_empty_at < $1)
   OR ($2::timestamptz IS NOT NULL AND created_at < $2::timestamptz)
`, emptyBefore, created)
	if err != nil {
		return nil, fmt.Errorf("query sweep candidates: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan sweep candidates: %w", err)
	}
	out := make([]domain.RoomID, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.RoomID(id))
	}
	return out, nil
}

func (b *postgresBackend) DeleteIf(ctx context.Context, id domain.RoomID, pred func(*domain.Room) bool) (bool, error) {
	deleted := false
	err := b.inTx(ctx, id, func(tx pgx.Tx) error {
		deleted = false
		room, err := selectRoom(ctx, tx, id, true)
		if errors.Is(err, ErrRoomNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !pred(room) {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM watchparty_rooms WHERE room_id = $1`, string(id)); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

func (b *postgresBackend) Close() error {
	b.pool.Close()
	return nil
}
