// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fleetbus/fleetbus/commands"
	"github.com/fleetbus/fleetbus/pkg/errors"
	repoerr "github.com/fleetbus/fleetbus/pkg/errors/repository"
	"github.com/fleetbus/fleetbus/pkg/postgres"
	"github.com/jmoiron/sqlx"
)

var _ commands.Repository = (*repository)(nil)

type repository struct {
	db *sqlx.DB
}

// NewRepository instantiates a PostgreSQL implementation of the commands
// repository.
func NewRepository(db *sqlx.DB) commands.Repository {
	return &repository{db: db}
}

func (repo *repository) Save(ctx context.Context, cmd commands.Command) (commands.Command, error) {
	q := `INSERT INTO commands (id, device_id, customer_id, type, payload, priority, status, created_at, updated_at)
		VALUES (:id, :device_id, :customer_id, :type, :payload, :priority, :status, :created_at, :updated_at)`

	dbCmd, err := toDBCommand(cmd)
	if err != nil {
		return commands.Command{}, errors.Wrap(repoerr.ErrCreateEntity, err)
	}

	if _, err := repo.db.NamedExecContext(ctx, q, dbCmd); err != nil {
		return commands.Command{}, postgres.HandleError(repoerr.ErrCreateEntity, err)
	}

	return cmd, nil
}

// Claim selects eligible rows under FOR UPDATE SKIP LOCKED so concurrent
// claimants for the same device partition the queue instead of blocking or
// double-claiming.
func (repo *repository) Claim(ctx context.Context, deviceID string, tokens []string, visibleUntil time.Time) ([]commands.Command, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(repoerr.ErrUpdateEntity, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	selectQ := `SELECT id FROM commands
		WHERE device_id = $1
		AND (status = 'pending' OR (status = 'claimed' AND visible_until < now()))
		ORDER BY CASE WHEN status = 'pending' THEN 0 ELSE 1 END, priority DESC, created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	rows, err := tx.QueryxContext(ctx, selectQ, deviceID, len(tokens))
	if err != nil {
		return nil, postgres.HandleError(repoerr.ErrUpdateEntity, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, postgres.HandleError(repoerr.ErrUpdateEntity, err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, postgres.HandleError(repoerr.ErrUpdateEntity, err)
	}

	updateQ := `UPDATE commands
		SET status = 'claimed', claim_token = $1, visible_until = $2, updated_at = now()
		WHERE id = $3
		RETURNING id, device_id, customer_id, type, payload, priority, status, claim_token, visible_until, result, created_at, updated_at`

	claimed := make([]commands.Command, 0, len(ids))
	for i, id := range ids {
		var dbCmd dbCommand
		if err := tx.QueryRowxContext(ctx, updateQ, tokens[i], visibleUntil, id).StructScan(&dbCmd); err != nil {
			return nil, postgres.HandleError(repoerr.ErrUpdateEntity, err)
		}
		cmd, err := toCommand(dbCmd)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, cmd)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(repoerr.ErrUpdateEntity, err)
	}

	return claimed, nil
}

func (repo *repository) UpdateResult(ctx context.Context, commandID, claimToken, deviceID string, result commands.Result) (commands.Command, error) {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return commands.Command{}, errors.Wrap(repoerr.ErrUpdateEntity, err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	selectQ := `SELECT id, device_id, customer_id, type, payload, priority, status, claim_token, visible_until, result, created_at, updated_at
		FROM commands WHERE id = $1 FOR UPDATE`

	var dbCmd dbCommand
	if err := tx.QueryRowxContext(ctx, selectQ, commandID).StructScan(&dbCmd); err != nil {
		if err == sql.ErrNoRows {
			return commands.Command{}, commands.ErrNotFound
		}
		return commands.Command{}, postgres.HandleError(repoerr.ErrViewEntity, err)
	}

	switch {
	case dbCmd.DeviceID != deviceID:
		return commands.Command{}, commands.ErrNotFound
	case dbCmd.Status == commands.Completed || dbCmd.Status == commands.Failed:
		return commands.Command{}, commands.ErrAlreadyCompleted
	case dbCmd.Status != commands.Claimed:
		return commands.Command{}, commands.ErrInvalidClaim
	case !dbCmd.ClaimToken.Valid || dbCmd.ClaimToken.String != claimToken:
		return commands.Command{}, commands.ErrInvalidClaim
	case dbCmd.VisibleUntil.Valid && dbCmd.VisibleUntil.Time.Before(time.Now()):
		// The lease lapsed; the token it minted is no longer honored.
		return commands.Command{}, commands.ErrInvalidClaim
	}

	status := commands.Completed
	if result.Status == commands.ResultFailure {
		status = commands.Failed
	}
	resData, err := json.Marshal(result)
	if err != nil {
		return commands.Command{}, errors.Wrap(repoerr.ErrMalformedEntity, err)
	}

	updateQ := `UPDATE commands
		SET status = $1, result = $2, claim_token = NULL, visible_until = NULL, updated_at = now()
		WHERE id = $3
		RETURNING id, device_id, customer_id, type, payload, priority, status, claim_token, visible_until, result, created_at, updated_at`

	if err := tx.QueryRowxContext(ctx, updateQ, status, resData, commandID).StructScan(&dbCmd); err != nil {
		return commands.Command{}, postgres.HandleError(repoerr.ErrUpdateEntity, err)
	}

	if err := tx.Commit(); err != nil {
		return commands.Command{}, errors.Wrap(repoerr.ErrUpdateEntity, err)
	}

	return toCommand(dbCmd)
}

func (repo *repository) RetrieveByID(ctx context.Context, id string) (commands.Command, error) {
	q := `SELECT id, device_id, customer_id, type, payload, priority, status, claim_token, visible_until, result, created_at, updated_at
		FROM commands WHERE id = $1`

	var dbCmd dbCommand
	if err := repo.db.QueryRowxContext(ctx, q, id).StructScan(&dbCmd); err != nil {
		if err == sql.ErrNoRows {
			return commands.Command{}, repoerr.ErrNotFound
		}
		return commands.Command{}, postgres.HandleError(repoerr.ErrViewEntity, err)
	}

	return toCommand(dbCmd)
}

func (repo *repository) RetrieveAll(ctx context.Context, page commands.Page) (commands.CommandsPage, error) {
	query := pageQuery(page)

	q := fmt.Sprintf(`SELECT id, device_id, customer_id, type, payload, priority, status, claim_token, visible_until, result, created_at, updated_at
		FROM commands %s ORDER BY created_at DESC LIMIT :limit OFFSET :offset`, query)

	rows, err := repo.db.NamedQueryContext(ctx, q, page)
	if err != nil {
		return commands.CommandsPage{}, postgres.HandleError(repoerr.ErrViewEntity, err)
	}
	defer rows.Close()

	var items []commands.Command
	for rows.Next() {
		var dbCmd dbCommand
		if err := rows.StructScan(&dbCmd); err != nil {
			return commands.CommandsPage{}, postgres.HandleError(repoerr.ErrViewEntity, err)
		}
		cmd, err := toCommand(dbCmd)
		if err != nil {
			return commands.CommandsPage{}, err
		}
		items = append(items, cmd)
	}

	tq := fmt.Sprintf(`SELECT COUNT(*) FROM commands %s`, query)
	total, err := total(ctx, repo.db, tq, page)
	if err != nil {
		return commands.CommandsPage{}, postgres.HandleError(repoerr.ErrViewEntity, err)
	}

	return commands.CommandsPage{
		Total:    total,
		Offset:   page.Offset,
		Limit:    page.Limit,
		Commands: items,
	}, nil
}

func (repo *repository) FailAbandoned(ctx context.Context, deadline time.Time) (uint64, error) {
	result := commands.Result{
		Status:      commands.ResultFailure,
		Error:       "command expired before being claimed",
		SubmittedAt: time.Now().UTC(),
	}
	resData, err := json.Marshal(result)
	if err != nil {
		return 0, errors.Wrap(repoerr.ErrMalformedEntity, err)
	}

	q := `UPDATE commands SET status = 'failed', result = $1, updated_at = now()
		WHERE status = 'pending' AND created_at < $2`

	res, err := repo.db.ExecContext(ctx, q, resData, deadline)
	if err != nil {
		return 0, postgres.HandleError(repoerr.ErrUpdateEntity, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(repoerr.ErrUpdateEntity, err)
	}

	return uint64(count), nil
}

func pageQuery(page commands.Page) string {
	var query []string
	if page.DeviceID != "" {
		query = append(query, "device_id = :device_id")
	}
	if page.CustomerID != "" {
		query = append(query, "customer_id = :customer_id")
	}
	if page.Status != "" {
		query = append(query, "status = :status")
	}
	if len(query) > 0 {
		return fmt.Sprintf("WHERE %s", strings.Join(query, " AND "))
	}

	return ""
}

func total(ctx context.Context, db *sqlx.DB, query string, params interface{}) (uint64, error) {
	rows, err := db.NamedQueryContext(ctx, query, params)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	total := uint64(0)
	if rows.Next() {
		if err := rows.Scan(&total); err != nil {
			return 0, err
		}
	}

	return total, nil
}

type dbCommand struct {
	ID           string         `db:"id"`
	DeviceID     string         `db:"device_id"`
	CustomerID   string         `db:"customer_id"`
	Type         string         `db:"type"`
	Payload      []byte         `db:"payload"`
	Priority     int            `db:"priority"`
	Status       string         `db:"status"`
	ClaimToken   sql.NullString `db:"claim_token"`
	VisibleUntil sql.NullTime   `db:"visible_until"`
	Result       []byte         `db:"result"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func toDBCommand(cmd commands.Command) (dbCommand, error) {
	dbCmd := dbCommand{
		ID:         cmd.ID,
		DeviceID:   cmd.DeviceID,
		CustomerID: cmd.CustomerID,
		Type:       cmd.Type,
		Priority:   cmd.Priority,
		Status:     cmd.Status,
		CreatedAt:  cmd.CreatedAt,
		UpdatedAt:  cmd.UpdatedAt,
	}
	if len(cmd.Payload) > 0 {
		dbCmd.Payload = []byte(cmd.Payload)
	}

	return dbCmd, nil
}

func toCommand(dbCmd dbCommand) (commands.Command, error) {
	cmd := commands.Command{
		ID:         dbCmd.ID,
		DeviceID:   dbCmd.DeviceID,
		CustomerID: dbCmd.CustomerID,
		Type:       dbCmd.Type,
		Payload:    dbCmd.Payload,
		Priority:   dbCmd.Priority,
		Status:     dbCmd.Status,
		CreatedAt:  dbCmd.CreatedAt,
		UpdatedAt:  dbCmd.UpdatedAt,
	}
	if dbCmd.ClaimToken.Valid {
		cmd.ClaimToken = dbCmd.ClaimToken.String
	}
	if dbCmd.VisibleUntil.Valid {
		cmd.VisibleUntil = dbCmd.VisibleUntil.Time
	}
	if len(dbCmd.Result) > 0 {
		var res commands.Result
		if err := json.Unmarshal(dbCmd.Result, &res); err != nil {
			return commands.Command{}, errors.Wrap(repoerr.ErrMalformedEntity, err)
		}
		cmd.Result = &res
	}

	return cmd, nil
}
