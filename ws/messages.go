// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

package ws

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
)

// Inbound message types, device side.
const (
	typeClaimCommand  = "claim_command"
	typeCommandResult = "command_result"
	typeHeartbeat     = "heartbeat"
	typeStatusUpdate  = "status_update"
)

// Inbound message types, customer side.
const (
	typeApproveSession = "approve_session"
	typeGetSystemInfo  = "get_system_info"
	typeSendCommand    = "send_command"
	typeListCommands   = "list_commands"
	typeGetCommand     = "get_command"
)

// Outbound message types.
const (
	typeError           = "error"
	typeConnected       = "connected"
	typeHeartbeatAck    = "heartbeat_ack"
	typeCommands        = "commands"
	typeResultAccepted  = "result_accepted"
	typeCommandQueued   = "command_queued"
	typeSessionApproved = "session_approved"
	typeSystemInfo      = "system_info"
	typeStatus          = "status"
	typeCommandList     = "command_list"
	typeCommand         = "command"
)

var validate = validator.New()

// envelope carries the discriminator every inbound message must have.
type envelope struct {
	Type string `json:"type" validate:"required"`
}

type claimCommandMsg struct {
	MaxCount int `json:"maxCount,omitempty" validate:"omitempty,min=1"`
}

type commandResultMsg struct {
	CommandID  string `json:"commandId" validate:"required"`
	ClaimToken string `json:"claimToken" validate:"required"`
	Status     string `json:"status" validate:"required,oneof=success failure"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	Duration   int64  `json:"duration,omitempty" validate:"omitempty,min=0"`
}

type statusUpdateMsg struct {
	Status     json.RawMessage `json:"status" validate:"required"`
	SystemInfo json.RawMessage `json:"systemInfo,omitempty"`
}

type approveSessionMsg struct {
	DeviceID  string `json:"deviceId" validate:"required"`
	SessionID string `json:"sessionId" validate:"required"`
}

type getSystemInfoMsg struct {
	DeviceID string `json:"deviceId" validate:"required"`
}

type listCommandsMsg struct {
	DeviceID string `json:"deviceId" validate:"required"`
	Status   string `json:"status,omitempty" validate:"omitempty,oneof=pending claimed completed failed"`
	Limit    uint64 `json:"limit,omitempty" validate:"omitempty,min=1"`
	Offset   uint64 `json:"offset,omitempty"`
}

type getCommandMsg struct {
	CommandID string `json:"commandId" validate:"required"`
}

type sendCommandMsg struct {
	DeviceID    string          `json:"deviceId" validate:"required"`
	CommandType string          `json:"commandType" validate:"required"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority,omitempty"`
}

// decode unmarshals and validates a typed inbound message.
func decode(raw []byte, msg interface{}) error {
	if err := json.Unmarshal(raw, msg); err != nil {
		return err
	}

	return validate.Struct(msg)
}
