// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package cache_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetbus/fleetbus/devices/cache"
	"github.com/fleetbus/fleetbus/pkg/errors"
	repoerr "github.com/fleetbus/fleetbus/pkg/errors/repository"
)

const (
	statusTTL  = time.Minute
	sessionTTL = time.Minute
)

func TestStatus(t *testing.T) {
	dc := cache.NewCache(redisClient, statusTTL, sessionTTL)
	ctx := context.Background()

	status := []byte(`{"battery":64}`)
	require.Nil(t, dc.SaveStatus(ctx, "device-status", status))

	cases := []struct {
		desc     string
		deviceID string
		status   []byte
		err      error
	}{
		{
			desc:     "retrieve cached status",
			deviceID: "device-status",
			status:   status,
		},
		{
			desc:     "retrieve status of unknown device",
			deviceID: "unknown",
			err:      repoerr.ErrNotFound,
		},
		{
			desc: "retrieve status with empty device id",
			err:  repoerr.ErrNotFound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			cached, err := dc.Status(ctx, tc.deviceID)
			if tc.err != nil {
				assert.True(t, errors.Contains(err, tc.err), fmt.Sprintf("%s: expected %s, got %s", tc.desc, tc.err, err))
				return
			}
			require.Nil(t, err)
			assert.Equal(t, tc.status, cached)
		})
	}

	err := dc.SaveStatus(ctx, "", status)
	assert.True(t, errors.Contains(err, repoerr.ErrCreateEntity), "expected create error for empty device id")
	err = dc.SaveStatus(ctx, "device-status", nil)
	assert.True(t, errors.Contains(err, repoerr.ErrCreateEntity), "expected create error for empty status")
}

func TestStatusExpiry(t *testing.T) {
	dc := cache.NewCache(redisClient, time.Millisecond, sessionTTL)
	ctx := context.Background()

	require.Nil(t, dc.SaveStatus(ctx, "device-expiry", []byte(`{"battery":1}`)))

	assert.Eventually(t, func() bool {
		_, err := dc.Status(ctx, "device-expiry")
		return errors.Contains(err, repoerr.ErrNotFound)
	}, time.Second, 10*time.Millisecond, "cached status did not expire")
}

func TestSystemInfo(t *testing.T) {
	dc := cache.NewCache(redisClient, statusTTL, sessionTTL)
	ctx := context.Background()

	info := []byte(`{"firmware":"2.4.1","cores":4}`)
	require.Nil(t, dc.SaveSystemInfo(ctx, "device-info", info))

	cached, err := dc.SystemInfo(ctx, "device-info")
	require.Nil(t, err)
	assert.Equal(t, info, cached)

	_, err = dc.SystemInfo(ctx, "unknown")
	assert.True(t, errors.Contains(err, repoerr.ErrNotFound), "expected not found for unknown device")
}

func TestSession(t *testing.T) {
	dc := cache.NewCache(redisClient, statusTTL, sessionTTL)
	ctx := context.Background()

	require.Nil(t, dc.SaveSession(ctx, "token-1", "device-1"))

	deviceID, err := dc.Session(ctx, "token-1")
	require.Nil(t, err)
	assert.Equal(t, "device-1", deviceID)

	_, err = dc.Session(ctx, "unknown")
	assert.True(t, errors.Contains(err, repoerr.ErrNotFound), "expected not found for unknown token")

	require.Nil(t, dc.RemoveSession(ctx, "token-1"))
	_, err = dc.Session(ctx, "token-1")
	assert.True(t, errors.Contains(err, repoerr.ErrNotFound), "expected not found after removal")

	// Removing an absent binding is a no-op.
	assert.Nil(t, dc.RemoveSession(ctx, "token-1"))
}

func TestSessionExpiry(t *testing.T) {
	dc := cache.NewCache(redisClient, statusTTL, time.Millisecond)
	ctx := context.Background()

	require.Nil(t, dc.SaveSession(ctx, "token-expiry", "device-1"))

	assert.Eventually(t, func() bool {
		_, err := dc.Session(ctx, "token-expiry")
		return errors.Contains(err, repoerr.ErrNotFound)
	}, time.Second, 10*time.Millisecond, "session binding did not expire")
}
