// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package mocks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fleetbus/fleetbus/commands"
	repoerr "github.com/fleetbus/fleetbus/pkg/errors/repository"
)

var _ commands.Repository = (*repositoryMock)(nil)

// repositoryMock is an in-memory command store honoring the queue's lease
// semantics.
type repositoryMock struct {
	mu   sync.Mutex
	cmds map[string]commands.Command
}

// NewRepository creates in-memory commands repository.
func NewRepository() commands.Repository {
	return &repositoryMock{cmds: make(map[string]commands.Command)}
}

func (rm *repositoryMock) Save(_ context.Context, cmd commands.Command) (commands.Command, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, ok := rm.cmds[cmd.ID]; ok {
		return commands.Command{}, repoerr.ErrConflict
	}
	rm.cmds[cmd.ID] = cmd

	return cmd, nil
}

func (rm *repositoryMock) Claim(_ context.Context, deviceID string, tokens []string, visibleUntil time.Time) ([]commands.Command, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	now := time.Now()
	var eligible []commands.Command
	for _, cmd := range rm.cmds {
		if cmd.DeviceID != deviceID {
			continue
		}
		if cmd.Status == commands.Pending || (cmd.Status == commands.Claimed && cmd.VisibleUntil.Before(now)) {
			eligible = append(eligible, cmd)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		pi, pj := eligible[i].Status == commands.Pending, eligible[j].Status == commands.Pending
		if pi != pj {
			return pi
		}
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	if len(eligible) > len(tokens) {
		eligible = eligible[:len(tokens)]
	}

	claimed := make([]commands.Command, 0, len(eligible))
	for i, cmd := range eligible {
		cmd.Status = commands.Claimed
		cmd.ClaimToken = tokens[i]
		cmd.VisibleUntil = visibleUntil
		cmd.UpdatedAt = now
		rm.cmds[cmd.ID] = cmd
		claimed = append(claimed, cmd)
	}

	return claimed, nil
}

func (rm *repositoryMock) UpdateResult(_ context.Context, commandID, claimToken, deviceID string, result commands.Result) (commands.Command, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	cmd, ok := rm.cmds[commandID]
	switch {
	case !ok, cmd.DeviceID != deviceID:
		return commands.Command{}, commands.ErrNotFound
	case cmd.Status == commands.Completed || cmd.Status == commands.Failed:
		return commands.Command{}, commands.ErrAlreadyCompleted
	case cmd.Status != commands.Claimed:
		return commands.Command{}, commands.ErrInvalidClaim
	case cmd.ClaimToken != claimToken, cmd.VisibleUntil.Before(time.Now()):
		return commands.Command{}, commands.ErrInvalidClaim
	}

	cmd.Status = commands.Completed
	if result.Status == commands.ResultFailure {
		cmd.Status = commands.Failed
	}
	cmd.Result = &result
	cmd.ClaimToken = ""
	cmd.VisibleUntil = time.Time{}
	cmd.UpdatedAt = time.Now()
	rm.cmds[commandID] = cmd

	return cmd, nil
}

func (rm *repositoryMock) RetrieveByID(_ context.Context, id string) (commands.Command, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	cmd, ok := rm.cmds[id]
	if !ok {
		return commands.Command{}, repoerr.ErrNotFound
	}

	return cmd, nil
}

func (rm *repositoryMock) RetrieveAll(_ context.Context, page commands.Page) (commands.CommandsPage, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var items []commands.Command
	for _, cmd := range rm.cmds {
		if page.DeviceID != "" && cmd.DeviceID != page.DeviceID {
			continue
		}
		if page.CustomerID != "" && cmd.CustomerID != page.CustomerID {
			continue
		}
		if page.Status != "" && cmd.Status != page.Status {
			continue
		}
		items = append(items, cmd)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })

	total := uint64(len(items))
	if page.Offset >= total {
		items = nil
	} else {
		items = items[page.Offset:]
	}
	if page.Limit > 0 && uint64(len(items)) > page.Limit {
		items = items[:page.Limit]
	}

	return commands.CommandsPage{
		Total:    total,
		Offset:   page.Offset,
		Limit:    page.Limit,
		Commands: items,
	}, nil
}

func (rm *repositoryMock) FailAbandoned(_ context.Context, deadline time.Time) (uint64, error) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	var count uint64
	for id, cmd := range rm.cmds {
		if cmd.Status == commands.Pending && cmd.CreatedAt.Before(deadline) {
			cmd.Status = commands.Failed
			cmd.Result = &commands.Result{
				Status:      commands.ResultFailure,
				Error:       "command expired before being claimed",
				SubmittedAt: time.Now(),
			}
			rm.cmds[id] = cmd
			count++
		}
	}

	return count, nil
}
