// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package messaging

import "fmt"

// Channel naming partitions fanout traffic per device so unrelated devices'
// messages are never delivered to the wrong subscriber.
const (
	controlSuffix = "control"
	updatesSuffix = "updates"
)

// DeviceControlChannel names the channel carrying commands destined to the
// device.
func DeviceControlChannel(deviceID string) string {
	return fmt.Sprintf("device:%s:%s", deviceID, controlSuffix)
}

// DeviceUpdatesChannel names the channel fanning device status and command
// results out to owning customers.
func DeviceUpdatesChannel(deviceID string) string {
	return fmt.Sprintf("device:%s:%s", deviceID, updatesSuffix)
}
