// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	_ "github.com/jackc/pgx/v5/stdlib" // required for SQL access
	migrate "github.com/rubenv/sql-migrate"
)

// Migration of the command queue.
func Migration() migrate.MemoryMigrationSource {
	return migrate.MemoryMigrationSource{
		Migrations: []*migrate.Migration{
			{
				Id: "commands_01",
				Up: []string{
					`CREATE TABLE IF NOT EXISTS commands (
						id            VARCHAR(36) PRIMARY KEY,
						device_id     VARCHAR(36) NOT NULL,
						customer_id   VARCHAR(36) NOT NULL,
						type          VARCHAR(254) NOT NULL,
						payload       JSONB,
						priority      INTEGER NOT NULL DEFAULT 0,
						status        VARCHAR(16) NOT NULL DEFAULT 'pending',
						claim_token   VARCHAR(36),
						visible_until TIMESTAMPTZ,
						result        JSONB,
						created_at    TIMESTAMPTZ NOT NULL,
						updated_at    TIMESTAMPTZ NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_commands_claim
						ON commands (device_id, status, priority DESC, created_at)`,
				},
				Down: []string{
					`DROP TABLE commands`,
				},
			},
		},
	}
}
