// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package spawn

import (
	"context"

	"go.chromium.org/infra/remotecore/ccparse"
)

// GetHeaderFiles runs the command parser's dependency-discovery command
// for this spawn and folds the result back into it: any file the
// parser reports as a dependency-command product (e.g. a "-MF" depfile)
// moves from being an implicit side effect into Outputs, and the
// discovered header set is returned for the caller to merge into
// Inputs. A command the parser doesn't recognize as a compiler
// invocation yields (nil, nil).
func (s *RemoteSpawn) GetHeaderFiles(ctx context.Context, env []string, cwd string) ([]string, error) {
	result := ccparse.ParseCommand(s.Arguments)
	defer ccparse.CleanupAIXDepsFile(result)
	if !result.IsCompilerCommand {
		return nil, nil
	}
	s.Outputs = append(s.Outputs, result.DepsProducts()...)
	headers := ccparse.ParseHeaders(ctx, result, env, cwd)
	var res []string
	for h := range headers {
		res = append(res, h)
	}
	s.OriginCommand = cleanCommand(s.OriginCommand)
	return res, nil
}
