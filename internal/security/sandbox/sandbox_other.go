// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !linux && !windows && !darwin && !freebsd

package sandbox

func newEnforcer() enforcer { return unsupportedEnforcer{} }
