// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package migrations embeds the reference server PostgreSQL schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
