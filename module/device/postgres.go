package device

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"IMDelivery/module/chat/model"
	"IMDelivery/tools/errs"
)

var errMissingID = errs.ErrMalformedPayload.WithDetail("device id and user id are required")

type Config struct {
	DSN      string        `mapstructure:"dsn" yaml:"dsn"`
	MaxConns int32         `mapstructure:"max_conns" yaml:"max_conns"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

const schema = `
CREATE TABLE IF NOT EXISTS device (
    device_id      TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    push_token     TEXT NOT NULL DEFAULT '',
    provider       TEXT NOT NULL,
    last_active_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_device_user ON device (user_id);`

const (
	sqlRegister = `
INSERT INTO device (device_id, user_id, push_token, provider, last_active_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (device_id) DO UPDATE
SET user_id = EXCLUDED.user_id,
    push_token = EXCLUDED.push_token,
    provider = EXCLUDED.provider,
    last_active_at = EXCLUDED.last_active_at`
	sqlDevicesFor = `
SELECT device_id, user_id, push_token, provider, last_active_at
FROM device WHERE user_id = $1 ORDER BY device_id`
	sqlClearToken = `UPDATE device SET push_token = '' WHERE device_id = $1 AND push_token = $2`
	sqlDelete     = `DELETE FROM device WHERE device_id = $1 AND user_id = $2`
)

// DB is the subset of pgxpool.Pool the registry uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PgRegistry struct {
	db DB
}

var _ Registry = (*PgRegistry)(nil)

func NewPgRegistry(db DB) *PgRegistry { return &PgRegistry{db: db} }

// NewPool 建立连接池并 Ping
func NewPool(ctx context.Context, c Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if c.MaxConns > 0 {
		pc.MaxConns = c.MaxConns
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	pc.ConnConfig.ConnectTimeout = c.Timeout
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (r *PgRegistry) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, schema)
	return errs.WrapMsg(err, "ensure device schema")
}

func (r *PgRegistry) Register(ctx context.Context, d model.Device) error {
	if err := validate(d); err != nil {
		return err
	}
	if d.LastActiveAt.IsZero() {
		d.LastActiveAt = time.Now()
	}
	_, err := r.db.Exec(ctx, sqlRegister, d.DeviceID, d.UserID, d.PushToken, string(d.Provider), d.LastActiveAt)
	if err != nil {
		return errs.WrapMsg(err, "register device", "deviceId", d.DeviceID)
	}
	return nil
}

func (r *PgRegistry) DevicesFor(ctx context.Context, userID string) ([]model.Device, error) {
	rows, err := r.db.Query(ctx, sqlDevicesFor, userID)
	if err != nil {
		return nil, errs.WrapMsg(err, "query devices", "userId", userID)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Device, error) {
		var (
			d        model.Device
			provider string
		)
		err := row.Scan(&d.DeviceID, &d.UserID, &d.PushToken, &provider, &d.LastActiveAt)
		d.Provider = model.PushProvider(provider)
		return d, err
	})
	if err != nil {
		return nil, errs.WrapMsg(err, "scan devices", "userId", userID)
	}
	return out, nil
}

func (r *PgRegistry) ClearPushToken(ctx context.Context, deviceID, token string) error {
	_, err := r.db.Exec(ctx, sqlClearToken, deviceID, token)
	if err != nil {
		return errs.WrapMsg(err, "clear push token", "deviceId", deviceID)
	}
	return nil
}

func (r *PgRegistry) Delete(ctx context.Context, userID, deviceID string) error {
	tag, err := r.db.Exec(ctx, sqlDelete, deviceID, userID)
	if err != nil {
		return errs.WrapMsg(err, "delete device", "deviceId", deviceID)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound.WrapMsg("device not found", "deviceId", deviceID)
	}
	return nil
}
