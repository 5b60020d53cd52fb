// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package commands_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fleetbus/fleetbus/commands"
	"github.com/fleetbus/fleetbus/commands/mocks"
	svcerr "github.com/fleetbus/fleetbus/pkg/errors/service"
	"github.com/fleetbus/fleetbus/pkg/messaging"
	psmocks "github.com/fleetbus/fleetbus/pkg/messaging/mocks"
	"github.com/fleetbus/fleetbus/pkg/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	deviceID   = "d1"
	customerID = "c1"
	retention  = time.Hour
	visibility = 5 * time.Minute
)

func newService() (commands.Service, messaging.PubSub) {
	pubsub := psmocks.NewPubSub()
	svc := commands.New(uuid.New(), mocks.NewRepository(), pubsub, retention)
	return svc, pubsub
}

type updatesHandler struct {
	mu   sync.Mutex
	msgs []*messaging.Message
}

func (h *updatesHandler) Handle(msg *messaging.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	return nil
}

func (h *updatesHandler) Cancel() error { return nil }

func (h *updatesHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

func TestAdd(t *testing.T) {
	svc, _ := newService()

	cases := []struct {
		desc string
		cmd  commands.Command
		err  error
	}{
		{
			desc: "add valid command",
			cmd:  commands.Command{DeviceID: deviceID, CustomerID: customerID, Type: "restart", Priority: 5},
			err:  nil,
		},
		{
			desc: "add command without device",
			cmd:  commands.Command{CustomerID: customerID, Type: "restart"},
			err:  svcerr.ErrMalformedEntity,
		},
		{
			desc: "add command without type",
			cmd:  commands.Command{DeviceID: deviceID, CustomerID: customerID},
			err:  svcerr.ErrMalformedEntity,
		},
	}

	for _, tc := range cases {
		saved, err := svc.Add(context.Background(), tc.cmd)
		assert.Equal(t, tc.err, err, fmt.Sprintf("%s: expected %v got %v", tc.desc, tc.err, err))
		if err == nil {
			assert.NotEmpty(t, saved.ID, fmt.Sprintf("%s: expected generated id", tc.desc))
			assert.Equal(t, commands.Pending, saved.Status, fmt.Sprintf("%s: expected pending status got %s", tc.desc, saved.Status))
		}
	}
}

func TestClaim(t *testing.T) {
	svc, _ := newService()

	saved, err := svc.Add(context.Background(), commands.Command{DeviceID: deviceID, CustomerID: customerID, Type: "restart", Priority: 5})
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))

	claimed, err := svc.Claim(context.Background(), deviceID, 1, visibility)
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))
	require.Len(t, claimed, 1, "expected exactly one claimed command")
	assert.Equal(t, saved.ID, claimed[0].ID, "claimed wrong command")
	assert.Equal(t, commands.Claimed, claimed[0].Status, "expected claimed status")
	assert.NotEmpty(t, claimed[0].ClaimToken, "expected non-empty claim token")

	// The command is leased, an immediate second claim returns empty.
	again, err := svc.Claim(context.Background(), deviceID, 1, visibility)
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))
	assert.Empty(t, again, "leased command must not be claimable")

	// A different device has nothing to claim.
	other, err := svc.Claim(context.Background(), "d2", 1, visibility)
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))
	assert.Empty(t, other, "unrelated device must see an empty queue")
}

func TestClaimPriorityOrder(t *testing.T) {
	svc, _ := newService()

	for _, priority := range []int{1, 5, 3} {
		_, err := svc.Add(context.Background(), commands.Command{
			DeviceID:   deviceID,
			CustomerID: customerID,
			Type:       "restart",
			Priority:   priority,
		})
		require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))
	}

	claimed, err := svc.Claim(context.Background(), deviceID, 3, visibility)
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))
	require.Len(t, claimed, 3, "expected all commands claimed")

	priorities := []int{claimed[0].Priority, claimed[1].Priority, claimed[2].Priority}
	assert.Equal(t, []int{5, 3, 1}, priorities, fmt.Sprintf("expected descending priority order got %v", priorities))
}

func TestClaimConcurrent(t *testing.T) {
	svc, _ := newService()

	_, err := svc.Add(context.Background(), commands.Command{DeviceID: deviceID, CustomerID: customerID, Type: "restart"})
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))

	const claimants = 20
	var wg sync.WaitGroup
	results := make(chan []commands.Command, claimants)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := svc.Claim(context.Background(), deviceID, 1, visibility)
			assert.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))
			results <- claimed
		}()
	}
	wg.Wait()
	close(results)

	var winners int
	for claimed := range results {
		winners += len(claimed)
	}
	assert.Equal(t, 1, winners, "concurrent claims must yield exactly one winner")
}

func TestLeaseExpiry(t *testing.T) {
	svc, _ := newService()

	_, err := svc.Add(context.Background(), commands.Command{DeviceID: deviceID, CustomerID: customerID, Type: "restart"})
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))

	first, err := svc.Claim(context.Background(), deviceID, 1, time.Millisecond)
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))
	require.Len(t, first, 1, "expected one claimed command")

	time.Sleep(5 * time.Millisecond)

	// Expired lease: the command is re-claimable with a fresh token.
	second, err := svc.Claim(context.Background(), deviceID, 1, visibility)
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))
	require.Len(t, second, 1, "expired command must be re-claimable")
	assert.NotEqual(t, first[0].ClaimToken, second[0].ClaimToken, "re-claim must mint a fresh token")

	// The stale token is rejected.
	_, err = svc.SubmitResult(context.Background(), first[0].ID, first[0].ClaimToken, deviceID, commands.Result{Status: commands.ResultSuccess})
	assert.Equal(t, commands.ErrInvalidClaim, err, fmt.Sprintf("expected %v got %v", commands.ErrInvalidClaim, err))
}

func TestSubmitResult(t *testing.T) {
	svc, pubsub := newService()

	saved, err := svc.Add(context.Background(), commands.Command{DeviceID: deviceID, CustomerID: customerID, Type: "restart"})
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))
	claimed, err := svc.Claim(context.Background(), deviceID, 1, visibility)
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))
	require.Len(t, claimed, 1, "expected one claimed command")
	token := claimed[0].ClaimToken

	updates := &updatesHandler{}
	err = pubsub.Subscribe(context.Background(), messaging.SubscriberConfig{
		ID:      "customer-session",
		Channel: messaging.DeviceUpdatesChannel(deviceID),
		Handler: updates,
	})
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))

	cases := []struct {
		desc      string
		commandID string
		token     string
		deviceID  string
		result    commands.Result
		err       error
	}{
		{
			desc:      "submit with wrong token",
			commandID: saved.ID,
			token:     "bad-token",
			deviceID:  deviceID,
			result:    commands.Result{Status: commands.ResultSuccess},
			err:       commands.ErrInvalidClaim,
		},
		{
			desc:      "submit for unknown command",
			commandID: "missing",
			token:     token,
			deviceID:  deviceID,
			result:    commands.Result{Status: commands.ResultSuccess},
			err:       commands.ErrNotFound,
		},
		{
			desc:      "submit for foreign device",
			commandID: saved.ID,
			token:     token,
			deviceID:  "d2",
			result:    commands.Result{Status: commands.ResultSuccess},
			err:       commands.ErrNotFound,
		},
		{
			desc:      "submit with invalid result status",
			commandID: saved.ID,
			token:     token,
			deviceID:  deviceID,
			result:    commands.Result{Status: "meh"},
			err:       svcerr.ErrInvalidStatus,
		},
		{
			desc:      "submit valid result",
			commandID: saved.ID,
			token:     token,
			deviceID:  deviceID,
			result:    commands.Result{Status: commands.ResultSuccess, Output: "ok", Duration: 120},
			err:       nil,
		},
		{
			desc:      "submit result twice",
			commandID: saved.ID,
			token:     token,
			deviceID:  deviceID,
			result:    commands.Result{Status: commands.ResultSuccess},
			err:       commands.ErrAlreadyCompleted,
		},
	}

	for _, tc := range cases {
		cmd, err := svc.SubmitResult(context.Background(), tc.commandID, tc.token, tc.deviceID, tc.result)
		assert.Equal(t, tc.err, err, fmt.Sprintf("%s: expected %v got %v", tc.desc, tc.err, err))
		if tc.err == nil {
			assert.Equal(t, commands.Completed, cmd.Status, fmt.Sprintf("%s: expected completed status got %s", tc.desc, cmd.Status))
			require.NotNil(t, cmd.Result, fmt.Sprintf("%s: expected stored result", tc.desc))
			assert.Equal(t, "ok", cmd.Result.Output, fmt.Sprintf("%s: expected stored output", tc.desc))
		}
	}

	// Exactly one result reached the customer-facing updates channel.
	assert.Equal(t, 1, updates.count(), "expected a single update fanout for the accepted result")

	// Rejected submissions never mutate command state.
	cmd, err := svc.ViewCommand(context.Background(), saved.ID)
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))
	assert.Equal(t, commands.Completed, cmd.Status, "command state must stay completed")
}

func TestSweep(t *testing.T) {
	repo := mocks.NewRepository()
	pubsub := psmocks.NewPubSub()
	svc := commands.New(uuid.New(), repo, pubsub, time.Nanosecond)

	_, err := svc.Add(context.Background(), commands.Command{DeviceID: deviceID, CustomerID: customerID, Type: "restart"})
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))

	time.Sleep(5 * time.Millisecond)

	count, err := svc.Sweep(context.Background())
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))
	assert.Equal(t, uint64(1), count, "expected one abandoned command failed")

	claimed, err := svc.Claim(context.Background(), deviceID, 1, visibility)
	require.Nil(t, err, fmt.Sprintf("unexpected error: %s", err))
	assert.Empty(t, claimed, "swept command must not be claimable")
}
