// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package rbeconfig holds the build-wide configuration consumed by the
// edge classifier, action builder and dispatcher. It is populated by the
// caller and treated as read-only everywhere else in this module: no
// code here parses a config file or flag set.
package rbeconfig

import "strings"

// Config is the external configuration consumed by the remote-execution
// core. Callers construct one from whatever config file or flag parsing
// they use; nothing in this module reads it from disk.
type Config struct {
	// CloudRun enables remote execution against a REAPI cluster.
	CloudRun bool
	// ShareRun enables delegating edges to peers via the shared-build
	// proxy instead of (or in addition to) CloudRun.
	ShareRun bool

	// GRPCURL is the REAPI endpoint (CAS, Execution, ActionCache).
	GRPCURL string
	// ProxyAddr is the shared-build proxy's address.
	ProxyAddr string

	// ProjectRoot is the absolute path to the root of the source tree.
	// Any absolute path outside of it is a tool path, never uploaded.
	ProjectRoot string
	// CWD is the build's current working directory, an absolute path
	// under ProjectRoot. Merkle tree paths and rewritten arguments are
	// made relative to it.
	CWD string

	// PlatformProperties are REAPI platform key/value pairs attached to
	// every Command and, for REAPI >= 2.2, duplicated onto the Action.
	PlatformProperties map[string]string

	// LocalOnlyRules is the set of ninja rule names that never execute
	// remotely or participate in the shared cache's remote-only path.
	LocalOnlyRules map[string]bool
	// FuzzyRules is a set of substrings; a rule name or command
	// containing any of them is treated as local-only.
	FuzzyRules map[string]bool
	// RemoteExecRules is a set of rule names. No code in this module
	// reads it: an edge is classified by LocalOnlyRules, FuzzyRules and
	// its command content, whatever this set holds.
	RemoteExecRules map[string]bool
}

// IsLocalOnlyRule reports whether rule is explicitly marked local-only.
func (c *Config) IsLocalOnlyRule(rule string) bool {
	return c.LocalOnlyRules[rule]
}

// MatchesFuzzyRule reports whether any fuzzy-rule substring occurs in
// command or rule.
func (c *Config) MatchesFuzzyRule(command, rule string) bool {
	for cmd := range c.FuzzyRules {
		if cmd == "" {
			continue
		}
		if strings.Contains(command, cmd) || strings.Contains(rule, cmd) {
			return true
		}
	}
	return false
}
