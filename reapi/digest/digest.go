// Copyright 2023 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package digest handles content digests of remote executon API.
//
// You can find the Digest proto in REAPI here:
// https://github.com/bazelbuild/remote-apis/blob/c1c1ad2c97ed18943adb55f06657440daa60d833/build/bazel/remote/execution/v2/remote_execution.proto#L633
package digest

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	rpb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"go.chromium.org/infra/remotecore/o11y/iometrics"
	"go.chromium.org/infra/remotecore/reapi/retry"
)

// Function selects the hash family used to compute a Digest. The default
// is SHA256; MD5/SHA1/SHA384/SHA512 are selectable for servers that
// advertise a different DigestFunction in their capabilities.
type Function int

const (
	SHA256 Function = iota
	MD5
	SHA1
	SHA384
	SHA512
)

func (f Function) new() hash.Hash {
	switch f {
	case MD5:
		return md5.New()
	case SHA1:
		return sha1.New()
	case SHA384:
		return sha512.New384()
	case SHA512:
		return sha512.New()
	default:
		return sha256.New()
	}
}

// Proto returns the DigestFunction this Function corresponds to.
func (f Function) Proto() rpb.DigestFunction_Value {
	switch f {
	case MD5:
		return rpb.DigestFunction_MD5
	case SHA1:
		return rpb.DigestFunction_SHA1
	case SHA384:
		return rpb.DigestFunction_SHA384
	case SHA512:
		return rpb.DigestFunction_SHA512
	default:
		return rpb.DigestFunction_SHA256
	}
}

// readChunkSize bounds how much of a Source is read into memory at once
// when computing a digest incrementally.
const readChunkSize = 64 * 1024

// Digest is a (hash, size) identity of a byte sequence.
type Digest struct {
	Hash      string `json:"hash"`
	SizeBytes int64  `json:"size_bytes"`
}

// Empty is the digest of the empty byte string under SHA256.
var Empty = Digest{
	Hash:      "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
	SizeBytes: 0,
}

// IsZero reports whether d is the zero Digest.
func (d Digest) IsZero() bool {
	return d.Hash == ""
}

// String returns "hash/size".
func (d Digest) String() string {
	return fmt.Sprintf("%s/%d", d.Hash, d.SizeBytes)
}

// Less orders digests by hash, then size as a tiebreaker. Used to make
// blob batching deterministic.
func (d Digest) Less(o Digest) bool {
	if d.Hash != o.Hash {
		return d.Hash < o.Hash
	}
	return d.SizeBytes < o.SizeBytes
}

// Proto returns the REAPI wire representation of d.
func (d Digest) Proto() *rpb.Digest {
	if d.IsZero() {
		return nil
	}
	return &rpb.Digest{
		Hash:      d.Hash,
		SizeBytes: d.SizeBytes,
	}
}

// FromProto builds a Digest from its wire representation.
func FromProto(p *rpb.Digest) Digest {
	if p == nil {
		return Digest{}
	}
	return Digest{
		Hash:      p.Hash,
		SizeBytes: p.SizeBytes,
	}
}

// NewFromProto is FromProto with an error return, for call sites that
// treat a missing digest as an error rather than the zero value.
func NewFromProto(p *rpb.Digest) (Digest, error) {
	if p == nil {
		return Digest{}, fmt.Errorf("digest: nil proto")
	}
	return FromProto(p), nil
}

// Hasher accepts chunked Update calls and produces a final Digest.
// It panics on double-Finish and on Update after Finish: a hasher is a
// single-use accumulator, mirroring the incremental hash APIs it wraps.
type Hasher struct {
	fn       Function
	h        hash.Hash
	size     int64
	finished bool
}

// NewHasher creates a Hasher for fn. The zero Function is SHA256.
func NewHasher(fn Function) *Hasher {
	return &Hasher{fn: fn, h: fn.new()}
}

// Update feeds b into the hash. It panics if called after Finish.
func (hr *Hasher) Update(b []byte) {
	if hr.finished {
		panic("digest: Update after Finish")
	}
	n, err := hr.h.Write(b)
	if err != nil {
		panic(fmt.Errorf("digest: hash backend error: %w", err))
	}
	hr.size += int64(n)
}

// Finish finalizes the hash and returns the resulting Digest. It panics
// if called twice.
func (hr *Hasher) Finish() Digest {
	if hr.finished {
		panic("digest: double Finish")
	}
	hr.finished = true
	return Digest{
		Hash:      hex.EncodeToString(hr.h.Sum(nil)),
		SizeBytes: hr.size,
	}
}

// FromBytes computes the Digest of b under fn.
func FromBytes(fn Function, b []byte) Digest {
	hr := NewHasher(fn)
	hr.Update(b)
	return hr.Finish()
}

// FromReader computes the Digest of everything read from r under fn, in
// readChunkSize chunks.
func FromReader(fn Function, r io.Reader) (Digest, error) {
	hr := NewHasher(fn)
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			hr.Update(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return Digest{}, fmt.Errorf("digest: read: %w", err)
		}
	}
	return hr.Finish(), nil
}

// NewFromReader computes a SHA256 Digest from everything read from r.
func NewFromReader(r io.Reader) (Digest, error) {
	return FromReader(SHA256, r)
}

// FromFile seeks f to the start and computes its Digest under fn.
func FromFile(fn Function, f *os.File) (Digest, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Digest{}, fmt.Errorf("digest: seek: %w", err)
	}
	return FromReader(fn, f)
}

// Source opens a data source. It can be remote or local. If the
// implementation is backed by gRPC streaming, the caller may need to
// retry Open/Read/Close on top of it.
type Source interface {
	// Open returns an io.ReadCloser of the source.
	Open(context.Context) (io.ReadCloser, error)

	// String returns the name of the data source.
	String() string
}

// Data is a data instance that consists of a Digest and the Source that
// can reproduce its bytes.
type Data struct {
	digest Digest
	source Source
}

// NewData creates a Data from src and its already-known digest d.
func NewData(src Source, d Digest) Data {
	return Data{digest: d, source: src}
}

// IsZero reports whether d is the zero-value Data.
func (d Data) IsZero() bool {
	return d.digest.Hash == ""
}

// Digest returns the Digest of the data.
func (d Data) Digest() Digest {
	return d.digest
}

// Open opens the data source.
func (d Data) Open(ctx context.Context) (io.ReadCloser, error) {
	return d.source.Open(ctx)
}

// String returns the digest and the source in string format.
func (d Data) String() string {
	return fmt.Sprintf("%v %v", d.digest, d.source)
}

// DataToBytes returns the byte values of a Data, retrying transient read
// failures. Not for large blobs: it reads the entire content into memory.
func DataToBytes(ctx context.Context, d Data) ([]byte, error) {
	var buf []byte
	err := retry.Do(ctx, func() error {
		f, err := d.Open(ctx)
		if err != nil {
			return err
		}
		defer f.Close()
		buf, err = io.ReadAll(f)
		return err
	})
	return buf, err
}

// ToBytes is an alias of DataToBytes for call sites outside a retry loop
// of their own.
func ToBytes(ctx context.Context, d Data) ([]byte, error) {
	return DataToBytes(ctx, d)
}

// FromProtoMessage marshals m and returns the Data wrapping its bytes.
func FromProtoMessage(m proto.Message) (Data, error) {
	b, err := proto.Marshal(m)
	if err != nil {
		return Data{}, err
	}
	return FromBlob(fmt.Sprintf("%T", m), b), nil
}

// FromBlob creates Data from raw byte values, hashed under SHA256.
func FromBlob(name string, b []byte) Data {
	return Data{
		digest: FromBytes(SHA256, b),
		source: byteSource{name: name, b: b},
	}
}

// NewFromBlob is an alias of FromBlob matching the incremental-hasher
// naming convention used elsewhere in this package.
func NewFromBlob(name string, b []byte) Data {
	return FromBlob(name, b)
}

type byteSource struct {
	name string
	b    []byte
}

func (b byteSource) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.b)), nil
}

func (b byteSource) String() string { return b.name }

// LocalFileSource is a Source backed by a local file path.
type LocalFileSource struct {
	Fname     string
	IOMetrics *iometrics.IOMetrics
}

type localFile struct {
	*os.File
	m *iometrics.IOMetrics
	n int
}

func (f *localFile) Read(buf []byte) (int, error) {
	n, err := f.File.Read(buf)
	f.n += n
	return n, err
}

func (f *localFile) Close() error {
	err := f.File.Close()
	if f.m != nil {
		f.m.ReadDone(f.n, err)
	}
	return err
}

// Open opens the local file.
func (s LocalFileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	r, err := os.Open(s.Fname)
	return &localFile{File: r, m: s.IOMetrics}, err
}

// String returns the source name with "file://" prefix.
func (s LocalFileSource) String() string {
	return fmt.Sprintf("file://%s", s.Fname)
}

// FromLocalFile hashes whatever src.Open reproduces and returns the
// resulting Data. src is typically a LocalFileSource.
func FromLocalFile(ctx context.Context, src Source) (Data, error) {
	f, err := src.Open(ctx)
	if err != nil {
		return Data{}, err
	}
	defer f.Close()
	d, err := FromReader(SHA256, f)
	if err != nil {
		return Data{}, err
	}
	return Data{digest: d, source: src}, nil
}
