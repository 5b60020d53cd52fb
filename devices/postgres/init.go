// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	_ "github.com/jackc/pgx/v5/stdlib" // required for SQL access
	migrate "github.com/rubenv/sql-migrate"
)

// Migration of devices.
func Migration() migrate.MemoryMigrationSource {
	return migrate.MemoryMigrationSource{
		Migrations: []*migrate.Migration{
			{
				Id: "devices_01",
				// VARCHAR(36) for columns with IDs as UUIDs have a maximum of 36 characters.
				Up: []string{
					`CREATE TABLE IF NOT EXISTS devices (
						id          VARCHAR(36) PRIMARY KEY,
						customer_id VARCHAR(36) NOT NULL,
						name        VARCHAR(254),
						metadata    JSONB,
						created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
					)`,
					`CREATE INDEX IF NOT EXISTS idx_devices_customer ON devices (customer_id)`,
				},
				Down: []string{
					`DROP TABLE devices`,
				},
			},
		},
	}
}
