package dirserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"sealbox/internal/domain"
)

// PGRegistry is a postgres-backed Registry. Bundles are stored as JSON
// rows; one-time prekey claims are arbitrated by a transactional update
// so exactly one concurrent claimant wins.
type PGRegistry struct {
	db *sql.DB
}

func NewPGRegistry(db *sql.DB) *PGRegistry {
	return &PGRegistry{db: db}
}

// Migrate creates the schema.
func (r *PGRegistry) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS bundles (
			user_id   TEXT NOT NULL,
			device_id TEXT NOT NULL,
			bundle    BYTEA NOT NULL,
			published_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (user_id, device_id)
		);
		CREATE TABLE IF NOT EXISTS one_time_claims (
			user_id   TEXT NOT NULL,
			device_id TEXT NOT NULL,
			key_id    BIGINT NOT NULL,
			claimed   BOOLEAN NOT NULL DEFAULT false,
			PRIMARY KEY (user_id, device_id, key_id)
		);`)
	return err
}

func (r *PGRegistry) Publish(ctx context.Context, addr domain.Address, bundle domain.PreKeyBundle) error {
	raw, err := json.Marshal(bundle)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bundles (user_id, device_id, bundle, published_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, device_id) DO UPDATE
		SET bundle = $3, published_at = now()`,
		addr.User, addr.Device, raw)
	if err != nil {
		return err
	}

	// Register the bundle's one-time entry for claim arbitration,
	// preserving any existing claimed state on republish.
	if bundle.OneTimePreKeyID != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO one_time_claims (user_id, device_id, key_id, claimed)
			VALUES ($1, $2, $3, false)
			ON CONFLICT (user_id, device_id, key_id) DO NOTHING`,
			addr.User, addr.Device, int64(*bundle.OneTimePreKeyID))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *PGRegistry) Devices(ctx context.Context, user domain.UserID) ([]domain.DeviceID, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device_id FROM bundles WHERE user_id = $1 ORDER BY device_id`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeviceID
	for rows.Next() {
		var dev string
		if err := rows.Scan(&dev); err != nil {
			return nil, err
		}
		out = append(out, domain.DeviceID(dev))
	}
	return out, rows.Err()
}

func (r *PGRegistry) Bundle(ctx context.Context, addr domain.Address) (domain.PreKeyBundle, bool, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT bundle FROM bundles WHERE user_id = $1 AND device_id = $2`,
		addr.User, addr.Device).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PreKeyBundle{}, false, nil
	}
	if err != nil {
		return domain.PreKeyBundle{}, false, err
	}
	var bundle domain.PreKeyBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return domain.PreKeyBundle{}, false, err
	}

	if bundle.OneTimePreKeyID != nil {
		var claimed bool
		err := r.db.QueryRowContext(ctx, `
			SELECT claimed FROM one_time_claims
			WHERE user_id = $1 AND device_id = $2 AND key_id = $3`,
			addr.User, addr.Device, int64(*bundle.OneTimePreKeyID)).Scan(&claimed)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return domain.PreKeyBundle{}, false, err
		}
		if claimed {
			bundle.OneTimePreKeyID = nil
			bundle.OneTimePreKey = nil
		}
	}
	return bundle, true, nil
}

func (r *PGRegistry) Claim(ctx context.Context, addr domain.Address, id domain.OneTimePreKeyID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE one_time_claims SET claimed = true
		WHERE user_id = $1 AND device_id = $2 AND key_id = $3 AND NOT claimed`,
		addr.User, addr.Device, int64(id))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var _ Registry = (*PGRegistry)(nil)
