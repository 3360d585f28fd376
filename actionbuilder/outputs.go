// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package actionbuilder

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	rpb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"go.chromium.org/infra/remotecore/pathutil"
	"go.chromium.org/infra/remotecore/rbeconfig"
	"go.chromium.org/infra/remotecore/reapi/digest"
	"go.chromium.org/infra/remotecore/spawn"
)

// CollectOutputs walks s.Outputs after a successful local run and
// builds the ActionResult a cache write-back needs: every output is
// hashed and added to store, symlinked outputs are recorded as
// OutputSymlink instead of OutputFile, and dep-info side outputs
// ("*.o.d") are skipped entirely, matching the exclusion
// BuildActionOutputs applies before uploading to the action cache.
func CollectOutputs(ctx context.Context, cfg *rbeconfig.Config, s *spawn.RemoteSpawn, cmdWorkDir string, store *digest.Store) (*rpb.ActionResult, error) {
	result := &rpb.ActionResult{ExitCode: 0}
	for _, out := range sortedUnion(s.Outputs, nil) {
		if strings.Contains(out, depFileSuffix) {
			continue
		}
		if path.IsAbs(out) {
			if !pathutil.HasPrefix(out, cfg.ProjectRoot) {
				continue
			}
		}
		treeName := pathutil.Normalize(path.Join(cmdWorkDir, out))
		diskPath := out
		if !path.IsAbs(out) && cfg.CWD != "" {
			diskPath = path.Join(cfg.CWD, out)
		}
		fi, err := os.Lstat(diskPath)
		if err != nil {
			return nil, fmt.Errorf("actionbuilder: stat output %s: %w", out, err)
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(diskPath)
			if err != nil {
				return nil, fmt.Errorf("actionbuilder: readlink output %s: %w", out, err)
			}
			result.OutputSymlinks = append(result.OutputSymlinks, &rpb.OutputSymlink{
				Path:   treeName,
				Target: target,
			})
			continue
		}
		data, err := digest.FromLocalFile(ctx, digest.LocalFileSource{Fname: diskPath})
		if err != nil {
			return nil, fmt.Errorf("actionbuilder: hash output %s: %w", out, err)
		}
		store.Set(data)
		result.OutputFiles = append(result.OutputFiles, &rpb.OutputFile{
			Path:         treeName,
			Digest:       data.Digest().Proto(),
			IsExecutable: fi.Mode()&0o111 != 0,
		})
	}
	return result, nil
}
