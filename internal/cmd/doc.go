// SPDX-FileCopyrightText: 2025 The netpivot authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cmd provides the CLI entry point for netpivot. It handles flag
// parsing, configuration, error handling, and output handling.
package cmd
