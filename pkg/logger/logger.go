// Copyright (c) FleetBus
// SPDX-License-Identifier: Apache-2.0

// Package logger provides a structured logger constructor shared by all
// fleetbus services.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns a JSON slog logger writing to w at the given level.
func New(w io.Writer, levelText string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelText)); err != nil {
		return nil, err
	}

	logHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})

	return slog.New(logHandler), nil
}

// ExitWithError closes the process with the given exit code. It is meant to
// run as the outermost defer in main so that deferred cleanups still execute.
func ExitWithError(code *int) {
	os.Exit(*code)
}
