// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package reapi

import (
	"compress/flate"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	rpb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	bpb "google.golang.org/genproto/googleapis/bytestream"

	"go.chromium.org/infra/remotecore/reapi/digest"
	"go.chromium.org/infra/remotecore/o11y/clog"
	"go.chromium.org/infra/remotecore/o11y/trace"
	"go.chromium.org/infra/remotecore/reapi/bytestreamio"
	"go.chromium.org/infra/remotecore/reapi/retry"
)

const (
	// bytestreamReadThreshold is the threshold that decides whether to use BatchReadBlobs or ByteStream API.
	bytestreamReadThreshold = 2 * 1024 * 1024

	// batchByteLimit is the recv budget for a single Batch{Read,Update}Blobs
	// call: the 64KiB default gRPC max recv message size, minus slack for
	// framing overhead.
	batchByteLimit = 60 * 1024

	// perDigestOverhead accounts for the proto field tags and the digest
	// itself when estimating how many blobs fit a single batch request.
	perDigestOverhead = 256
)

func (c *Client) useCompressedBlob(d digest.Digest) bool {
	if c.opt.CompressedBlob <= 0 {
		return false
	}
	return d.SizeBytes >= c.opt.CompressedBlob
}

func (c *Client) getCompressor() rpb.Compressor_Value {
	if len(c.capabilities.CacheCapabilities.SupportedCompressors) == 0 {
		// No compressor support.
		return rpb.Compressor_IDENTITY
	}
	// always use the first supported compressor for now.
	return c.capabilities.CacheCapabilities.SupportedCompressors[0]
}

// resourceName constructs a resource name for the blob identified by the digest.
// For uncompressed blob. the format is
//
//	`{instance_name}/blobs/{hash}/{size}`
//
// For compressed blob, the format is
//
//	`{instance_name}/compressed-blobs/{compressor}/{uncompressed_hash}/{uncompressed_size}`
//
// See also the API document.
// https://github.com/bazelbuild/remote-apis/blob/64cc5e9e422c93e1d7f0545a146fd84fcc0e8b47/build/bazel/remote/execution/v2/remote_execution.proto#L285-L292
func (c *Client) resourceName(d digest.Digest) string {
	if c.useCompressedBlob(d) {
		return path.Join(c.opt.Instance, "compressed-blobs",
			strings.ToLower(c.getCompressor().String()),
			d.Hash, strconv.FormatInt(d.SizeBytes, 10))
	}
	return path.Join(c.opt.Instance, "blobs", d.Hash, strconv.FormatInt(d.SizeBytes, 10))
}

// uploadResourceName constructs the upload-side resource name, which
// additionally carries a random UUID so the server can disambiguate
// concurrent uploads of the same digest.
// https://github.com/bazelbuild/remote-apis/blob/64cc5e9e422c93e1d7f0545a146fd84fcc0e8b47/build/bazel/remote/execution/v2/remote_execution.proto#L293-L300
func (c *Client) uploadResourceName(uuid string, d digest.Digest) string {
	if c.useCompressedBlob(d) {
		return path.Join(c.opt.Instance, "uploads", uuid, "compressed-blobs",
			strings.ToLower(c.getCompressor().String()),
			d.Hash, strconv.FormatInt(d.SizeBytes, 10))
	}
	return path.Join(c.opt.Instance, "uploads", uuid, "blobs", d.Hash, strconv.FormatInt(d.SizeBytes, 10))
}

// newDecoder returns a decoder to uncompress blob.
// For uncompressed blob, it returns a nop closer.
func (c *Client) newDecoder(r io.Reader, d digest.Digest) (io.ReadCloser, error) {
	if c.useCompressedBlob(d) {
		switch comp := c.getCompressor(); comp {
		case rpb.Compressor_ZSTD:
			rd, err := zstd.NewReader(r)
			return rd.IOReadCloser(), err
		case rpb.Compressor_DEFLATE:
			return flate.NewReader(r), nil
		default:
			return nil, fmt.Errorf("unsupported compressor %q", comp)
		}
	}
	return io.NopCloser(r), nil
}

// newEncoder returns an encoder that compresses data written to it before
// it reaches w. For uncompressed blob, it returns a nop wrapper.
func (c *Client) newEncoder(w io.Writer, d digest.Digest) (io.WriteCloser, error) {
	if c.useCompressedBlob(d) {
		switch comp := c.getCompressor(); comp {
		case rpb.Compressor_ZSTD:
			return zstd.NewWriter(w)
		case rpb.Compressor_DEFLATE:
			return flate.NewWriter(w, flate.DefaultCompression)
		default:
			return nil, fmt.Errorf("unsupported compressor %q", comp)
		}
	}
	return nopWriteCloser{w}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Get fetches the content of blob from CAS by digest.
// For small blobs, it uses BatchReadBlobs.
// For large blobs, it uses Read method of the ByteStream API
func (c *Client) Get(ctx context.Context, d digest.Digest, name string) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("reapi is not configured")
	}
	if d.SizeBytes == 0 {
		return nil, nil
	}

	ctx, span := trace.NewSpan(ctx, "reapi-get")
	defer span.Close(nil)
	span.SetAttr("sizebytes", d.SizeBytes)

	if d.SizeBytes < bytestreamReadThreshold {
		return c.getWithBatchReadBlobs(ctx, d, name)
	}
	return c.getWithByteStream(ctx, d)
}

// getWithBatchReadBlobs fetches the content of blob using BatchReadBlobs rpc of CAS.
func (c *Client) getWithBatchReadBlobs(ctx context.Context, d digest.Digest, name string) ([]byte, error) {
	casClient := rpb.NewContentAddressableStorageClient(c.conn)
	resp, err := casClient.BatchReadBlobs(ctx, &rpb.BatchReadBlobsRequest{
		InstanceName: c.opt.Instance,
		Digests:      []*rpb.Digest{d.Proto()},
	})
	if err != nil {
		c.m.ReadDone(0, err)
		return nil, fmt.Errorf("failed to read blobs %s for %s: %w", d, name, err)
	}
	if len(resp.Responses) != 1 {
		c.m.ReadDone(0, err)
		return nil, fmt.Errorf("failed to read blobs %s for %s: responses=%d", d, name, len(resp.Responses))
	}
	c.m.ReadDone(len(resp.Responses[0].Data), err)
	if int64(len(resp.Responses[0].Data)) != d.SizeBytes {
		return nil, fmt.Errorf("failed to read blobs %s for %s: size mismatch got=%d", d, name, len(resp.Responses[0].Data))
	}
	return resp.Responses[0].Data, nil
}

// getWithByteStream fetches the content of blob using the ByteStream API
func (c *Client) getWithByteStream(ctx context.Context, d digest.Digest) ([]byte, error) {
	resourceName := c.resourceName(d)
	if clog.FromContext(ctx).V(1) {
		clog.Infof(ctx, "get %s", resourceName)
	}
	var buf []byte
	err := retry.Do(ctx, func() error {
		r, err := bytestreamio.Open(ctx, bpb.NewByteStreamClient(c.conn), resourceName)
		if err != nil {
			c.m.ReadDone(0, err)
			return err
		}
		rd, err := c.newDecoder(r, d)
		if err != nil {
			c.m.ReadDone(0, err)
			return err
		}
		defer rd.Close()
		buf = make([]byte, d.SizeBytes)
		n, err := io.ReadFull(rd, buf)
		c.m.ReadDone(n, err)
		if err != nil {
			return err
		}
		return nil
	})
	return buf, err
}

// Missing returns the subset of digests not yet present in CAS.
func (c *Client) Missing(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	var toCheck []digest.Digest
	var missing []digest.Digest
	for _, d := range digests {
		if d.SizeBytes == 0 {
			continue
		}
		if _, known := c.knownDigests.Load(d); known {
			continue
		}
		toCheck = append(toCheck, d)
	}
	for i := 0; i < len(toCheck); i += 1000 {
		batch := toCheck[i:min(i+1000, len(toCheck))]
		pbDigests := make([]*rpb.Digest, len(batch))
		for i, d := range batch {
			pbDigests[i] = d.Proto()
		}
		casClient := rpb.NewContentAddressableStorageClient(c.casConn)
		var resp *rpb.FindMissingBlobsResponse
		err := retry.Do(ctx, func() error {
			var err error
			resp, err = casClient.FindMissingBlobs(ctx, &rpb.FindMissingBlobsRequest{
				InstanceName:   c.opt.Instance,
				BlobDigests:    pbDigests,
				DigestFunction: rpb.DigestFunction_SHA256,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("find missing blobs: %w", err)
		}
		missingSet := make(map[digest.Digest]bool, len(resp.MissingBlobDigests))
		for _, d := range resp.MissingBlobDigests {
			missingSet[digest.FromProto(d)] = true
		}
		for _, d := range batch {
			if missingSet[d] {
				missing = append(missing, d)
			} else {
				c.knownDigests.Store(d, true)
			}
		}
	}
	return missing, nil
}

// UploadAll uploads every digest held by ds that CAS reports as missing,
// batching small blobs into BatchUpdateBlobs and streaming large blobs
// through ByteStream. It returns the digests that were actually uploaded.
func (c *Client) UploadAll(ctx context.Context, ds *digest.Store) ([]digest.Digest, error) {
	ctx, span := trace.NewSpan(ctx, "reapi-upload-all")
	defer span.Close(nil)

	digests := ds.List()
	missing, err := c.Missing(ctx, digests)
	if err != nil {
		return nil, err
	}
	span.SetAttr("total", len(digests))
	span.SetAttr("missing", len(missing))
	if len(missing) == 0 {
		return nil, nil
	}

	var small, large []digest.Digest
	for _, d := range missing {
		if d.SizeBytes < bytestreamReadThreshold {
			small = append(small, d)
		} else {
			large = append(large, d)
		}
	}

	for _, batch := range makeBatches(small) {
		if err := c.batchUpload(ctx, ds, batch); err != nil {
			return nil, err
		}
	}
	for _, d := range large {
		data, ok := ds.Get(d)
		if !ok {
			return nil, fmt.Errorf("upload %s: not found in store", d)
		}
		if err := c.uploadWithByteStream(ctx, data); err != nil {
			return nil, err
		}
		c.knownDigests.Store(d, true)
	}
	return missing, nil
}

// makeBatches groups digests into batches that fit within batchByteLimit,
// mirroring the server's recv-size budget for BatchUpdateBlobs.
func makeBatches(digests []digest.Digest) [][]digest.Digest {
	var batches [][]digest.Digest
	var cur []digest.Digest
	var curSize int64
	for _, d := range digests {
		sz := d.SizeBytes + perDigestOverhead
		if len(cur) > 0 && curSize+sz > batchByteLimit {
			batches = append(batches, cur)
			cur = nil
			curSize = 0
		}
		cur = append(cur, d)
		curSize += sz
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

func (c *Client) batchUpload(ctx context.Context, ds *digest.Store, batch []digest.Digest) error {
	reqs := make([]*rpb.BatchUpdateBlobsRequest_Request, 0, len(batch))
	for _, d := range batch {
		data, ok := ds.Get(d)
		if !ok {
			return fmt.Errorf("upload %s: not found in store", d)
		}
		b, err := digest.ToBytes(ctx, data)
		if err != nil {
			return fmt.Errorf("upload %s: %w", d, err)
		}
		reqs = append(reqs, &rpb.BatchUpdateBlobsRequest_Request{
			Digest: d.Proto(),
			Data:   b,
		})
	}
	casClient := rpb.NewContentAddressableStorageClient(c.casConn)
	err := retry.Do(ctx, func() error {
		resp, err := casClient.BatchUpdateBlobs(ctx, &rpb.BatchUpdateBlobsRequest{
			InstanceName: c.opt.Instance,
			Requests:     reqs,
		})
		if err != nil {
			return err
		}
		for _, r := range resp.Responses {
			if r.Status.GetCode() != 0 {
				return fmt.Errorf("upload %s: %s", digest.FromProto(r.Digest), r.Status)
			}
		}
		return nil
	})
	c.m.WriteDone(len(reqs), err)
	if err != nil {
		return err
	}
	for _, d := range batch {
		c.knownDigests.Store(d, true)
	}
	return nil
}

// uploadWithByteStream streams a single large blob through the ByteStream
// API, compressing on the fly when the server and digest size warrant it.
func (c *Client) uploadWithByteStream(ctx context.Context, data digest.Data) error {
	d := data.Digest()
	resourceName := c.uploadResourceName(uuid.NewString(), d)
	if clog.FromContext(ctx).V(1) {
		clog.Infof(ctx, "put %s", resourceName)
	}
	return retry.Do(ctx, func() error {
		r, err := data.Open(ctx)
		if err != nil {
			return err
		}
		defer r.Close()
		w, err := bytestreamio.Create(ctx, bpb.NewByteStreamClient(c.casConn), resourceName, d.String())
		if err != nil {
			return err
		}
		enc, err := c.newEncoder(w, d)
		if err != nil {
			return err
		}
		n, err := io.Copy(enc, r)
		c.m.WriteDone(int(n), err)
		if err != nil {
			enc.Close()
			return fmt.Errorf("bytestream write %s: %w", resourceName, err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("bytestream flush %s: %w", resourceName, err)
		}
		return w.Close()
	})
}
