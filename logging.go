// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package mpq

import "go.uber.org/zap"

// logger returns l if non-nil, otherwise a no-op logger. Every archive type
// holds an optional *zap.Logger and must route diagnostics through this so a
// caller who never configures logging pays nothing for it.
func logger(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return zap.NewNop()
}

