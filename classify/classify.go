// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package classify decides, for a build edge, whether its command runs
// locally or is eligible for remote execution.
package classify

import (
	"strings"

	"go.chromium.org/infra/remotecore/ccparse"
	"go.chromium.org/infra/remotecore/rbeconfig"
)

// Verdict is the outcome of classifying an edge.
type Verdict int

const (
	// LocalOnly means the edge must run on this machine.
	LocalOnly Verdict = iota
	// RemoteExecutable means the edge's command line matches a known
	// remote-executable compiler invocation.
	RemoteExecutable
)

func (v Verdict) String() string {
	if v == RemoteExecutable {
		return "remote-executable"
	}
	return "local-only"
}

// Classify decides the verdict for rule/command using the same table
// CanExecuteRemotely and CanCacheRemotely share: the first matching
// condition wins.
func Classify(cfg *rbeconfig.Config, rule, command string) Verdict {
	if cfg.IsLocalOnlyRule(rule) {
		return LocalOnly
	}
	if cfg.MatchesFuzzyRule(command, rule) {
		return LocalOnly
	}
	if matchesSupportedCommand(command) {
		return RemoteExecutable
	}
	return LocalOnly
}

// CanExecuteRemotely reports whether the edge may be dispatched to a
// REAPI cluster or a peer.
func CanExecuteRemotely(cfg *rbeconfig.Config, rule, command string) bool {
	return Classify(cfg, rule, command) == RemoteExecutable
}

// CanCacheRemotely reports whether the edge's result may be looked up
// in, and written back to, the shared action cache. It shares
// Classify's table: local-only edges still participate in the cache,
// they are simply never sent to ExecuteAction.
func CanCacheRemotely(cfg *rbeconfig.Config, rule, command string) bool {
	return Classify(cfg, rule, command) == RemoteExecutable
}

func matchesSupportedCommand(command string) bool {
	for _, prefix := range ccparse.SupportedRemoteExecuteCommands {
		if strings.Contains(command, prefix) {
			return true
		}
	}
	return false
}
