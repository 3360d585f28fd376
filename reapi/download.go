// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package reapi

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	rpb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"

	"go.chromium.org/infra/remotecore/o11y/clog"
	"go.chromium.org/infra/remotecore/o11y/trace"
	"go.chromium.org/infra/remotecore/reapi/digest"
)

// DownloadOutputs materializes files and symlinks under execRoot.
// Every file is staged into a private directory inside execRoot, chmod'd
// to its final mode, then atomically renamed into place; duplicate
// references to the same digest are staged as independent copies rather
// than hardlinks, so a later chmod of one output file cannot change the
// mode of another that happens to share content. Symlinks are placed
// directly, since there is no content to stage.
//
// If any referenced digest is missing from CAS, DownloadOutputs fetches
// nothing and returns an error naming every missing hash, before it
// touches the filesystem.
func (c *Client) DownloadOutputs(ctx context.Context, execRoot string, files []*rpb.OutputFile, symlinks []*rpb.OutputSymlink) error {
	if c == nil {
		return fmt.Errorf("reapi is not configured")
	}
	if len(files) == 0 && len(symlinks) == 0 {
		return nil
	}
	ctx, span := trace.NewSpan(ctx, "reapi-download-outputs")
	defer span.Close(nil)

	unique := make(map[digest.Digest]bool)
	var digests []digest.Digest
	for _, f := range files {
		d := digest.FromProto(f.GetDigest())
		if d.SizeBytes == 0 {
			continue
		}
		if !unique[d] {
			unique[d] = true
			digests = append(digests, d)
		}
	}
	span.SetAttr("files", len(files))
	span.SetAttr("symlinks", len(symlinks))
	span.SetAttr("unique_digests", len(digests))

	missing, err := c.Missing(ctx, digests)
	if err != nil {
		return fmt.Errorf("download outputs: check missing: %w", err)
	}
	if len(missing) > 0 {
		hashes := make([]string, len(missing))
		for i, d := range missing {
			hashes[i] = d.String()
		}
		sort.Strings(hashes)
		return fmt.Errorf("download outputs: missing blobs in CAS: %s", strings.Join(hashes, ", "))
	}

	stageDir := filepath.Join(execRoot, ".reclient-"+uuid.NewString())
	if err := os.Mkdir(stageDir, 0o755); err != nil {
		return fmt.Errorf("download outputs: create staging dir: %w", err)
	}
	defer os.RemoveAll(stageDir)

	content := make(map[digest.Digest][]byte, len(digests))
	for _, d := range digests {
		b, err := c.Get(ctx, d, "output")
		if err != nil {
			return fmt.Errorf("download outputs: fetch %s: %w", d, err)
		}
		content[d] = b
	}

	type staged struct {
		stagePath string
		destPath  string
	}
	var toRename []staged

	for _, f := range files {
		destPath := filepath.Join(execRoot, f.GetPath())
		stagePath := filepath.Join(stageDir, f.GetPath())
		if err := os.MkdirAll(filepath.Dir(stagePath), 0o755); err != nil {
			return fmt.Errorf("download outputs: mkdir for %s: %w", f.GetPath(), err)
		}
		d := digest.FromProto(f.GetDigest())
		mode := os.FileMode(0o644)
		if f.GetIsExecutable() {
			mode = 0o755
		}
		if err := os.WriteFile(stagePath, content[d], mode); err != nil {
			return fmt.Errorf("download outputs: stage %s: %w", f.GetPath(), err)
		}
		if clog.FromContext(ctx).V(1) {
			clog.Infof(ctx, "staged %s <- %s", f.GetPath(), d)
		}
		toRename = append(toRename, staged{stagePath: stagePath, destPath: destPath})
	}

	for _, s := range toRename {
		if err := os.MkdirAll(filepath.Dir(s.destPath), 0o755); err != nil {
			return fmt.Errorf("download outputs: mkdir for %s: %w", s.destPath, err)
		}
		if err := os.Rename(s.stagePath, s.destPath); err != nil {
			return fmt.Errorf("download outputs: rename %s: %w", s.destPath, err)
		}
	}

	for _, sl := range symlinks {
		destPath := filepath.Join(execRoot, sl.GetPath())
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return fmt.Errorf("download outputs: mkdir for %s: %w", sl.GetPath(), err)
		}
		os.Remove(destPath)
		if err := os.Symlink(sl.GetTarget(), destPath); err != nil {
			return fmt.Errorf("download outputs: symlink %s: %w", sl.GetPath(), err)
		}
	}

	return nil
}
