// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package actionbuilder

import (
	"fmt"
	"os"

	rpb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
)

const (
	toolName    = "remotecore"
	toolVersion = "unreleased"
)

// ToolInvocationID identifies the process driving this build to a
// remote cluster: hostname plus the parent process's pid, so every
// action the same invocation of the build driver submits shares one
// invocation identifier.
func ToolInvocationID() string {
	host, err := os.Hostname()
	if err != nil {
		host = ""
	}
	return fmt.Sprintf("%s:%d", host, os.Getppid())
}

// RequestMetadata builds the per-action metadata attached to CAS,
// Execute and ActionCache RPCs for actionDigest.
func RequestMetadata(actionDigest string) *rpb.RequestMetadata {
	return &rpb.RequestMetadata{
		ActionId:         actionDigest,
		ToolInvocationId: ToolInvocationID(),
		ToolDetails: &rpb.ToolDetails{
			ToolName:    toolName,
			ToolVersion: toolVersion,
		},
	}
}

// StagingName returns rule followed by "_" and a random UUID, a name
// unique to one call, so two calls for the same rule never collide.
// Nothing else in this module calls it.
func StagingName(rule string) string {
	return rule + "_" + uuid.New().String()
}
