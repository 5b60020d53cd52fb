// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/fleetbus/fleetbus/devices"
	"github.com/fleetbus/fleetbus/pkg/errors"
	repoerr "github.com/fleetbus/fleetbus/pkg/errors/repository"
	svcerr "github.com/fleetbus/fleetbus/pkg/errors/service"
	"github.com/fleetbus/fleetbus/pkg/postgres"
	"github.com/jmoiron/sqlx"
)

var _ devices.Repository = (*repository)(nil)

type repository struct {
	db *sqlx.DB
}

// NewRepository instantiates a PostgreSQL implementation of the devices
// repository.
func NewRepository(db *sqlx.DB) devices.Repository {
	return &repository{db: db}
}

func (repo *repository) Save(ctx context.Context, dev devices.Device) (devices.Device, error) {
	q := `INSERT INTO devices (id, customer_id, name, metadata, created_at)
		VALUES (:id, :customer_id, :name, :metadata, :created_at)`

	dbDev, err := toDBDevice(dev)
	if err != nil {
		return devices.Device{}, errors.Wrap(repoerr.ErrCreateEntity, err)
	}

	if _, err := repo.db.NamedExecContext(ctx, q, dbDev); err != nil {
		return devices.Device{}, postgres.HandleError(repoerr.ErrCreateEntity, err)
	}

	return dev, nil
}

func (repo *repository) RetrieveByID(ctx context.Context, id string) (devices.Device, error) {
	q := `SELECT id, customer_id, name, metadata, created_at FROM devices WHERE id = $1`

	var dbDev dbDevice
	if err := repo.db.QueryRowxContext(ctx, q, id).StructScan(&dbDev); err != nil {
		if err == sql.ErrNoRows {
			return devices.Device{}, repoerr.ErrNotFound
		}
		return devices.Device{}, postgres.HandleError(repoerr.ErrViewEntity, err)
	}

	return toDevice(dbDev)
}

func (repo *repository) RetrieveByCustomer(ctx context.Context, customerID string) ([]devices.Device, error) {
	q := `SELECT id, customer_id, name, metadata, created_at FROM devices WHERE customer_id = $1 ORDER BY created_at`

	rows, err := repo.db.QueryxContext(ctx, q, customerID)
	if err != nil {
		return nil, postgres.HandleError(repoerr.ErrViewEntity, err)
	}
	defer rows.Close()

	var items []devices.Device
	for rows.Next() {
		var dbDev dbDevice
		if err := rows.StructScan(&dbDev); err != nil {
			return nil, postgres.HandleError(repoerr.ErrViewEntity, err)
		}
		dev, err := toDevice(dbDev)
		if err != nil {
			return nil, err
		}
		items = append(items, dev)
	}

	return items, nil
}

func (repo *repository) CheckOwnership(ctx context.Context, deviceID, customerID string) error {
	dev, err := repo.RetrieveByID(ctx, deviceID)
	if err != nil {
		return err
	}
	if dev.CustomerID != customerID {
		return svcerr.ErrAuthorization
	}

	return nil
}

func (repo *repository) Remove(ctx context.Context, id string) error {
	q := `DELETE FROM devices WHERE id = $1`

	res, err := repo.db.ExecContext(ctx, q, id)
	if err != nil {
		return postgres.HandleError(repoerr.ErrRemoveEntity, err)
	}
	if count, err := res.RowsAffected(); err == nil && count == 0 {
		return repoerr.ErrNotFound
	}

	return nil
}

type dbDevice struct {
	ID         string    `db:"id"`
	CustomerID string    `db:"customer_id"`
	Name       string    `db:"name"`
	Metadata   []byte    `db:"metadata"`
	CreatedAt  time.Time `db:"created_at"`
}

func toDBDevice(dev devices.Device) (dbDevice, error) {
	data := []byte("{}")
	if len(dev.Metadata) > 0 {
		b, err := json.Marshal(dev.Metadata)
		if err != nil {
			return dbDevice{}, errors.Wrap(repoerr.ErrMalformedEntity, err)
		}
		data = b
	}

	return dbDevice{
		ID:         dev.ID,
		CustomerID: dev.CustomerID,
		Name:       dev.Name,
		Metadata:   data,
		CreatedAt:  dev.CreatedAt,
	}, nil
}

func toDevice(dbDev dbDevice) (devices.Device, error) {
	var metadata map[string]interface{}
	if len(dbDev.Metadata) > 0 {
		if err := json.Unmarshal(dbDev.Metadata, &metadata); err != nil {
			return devices.Device{}, errors.Wrap(repoerr.ErrMalformedEntity, err)
		}
	}

	return devices.Device{
		ID:         dbDev.ID,
		CustomerID: dbDev.CustomerID,
		Name:       dbDev.Name,
		Metadata:   metadata,
		CreatedAt:  dbDev.CreatedAt,
	}, nil
}
