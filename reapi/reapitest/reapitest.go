// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package reapitest provides a fake, in-memory remote exec API server for
// tests: CAS, ByteStream, ActionCache, Capabilities and Execution, all
// backed by plain Go maps rather than a real cache or scheduler.
package reapitest

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	rpb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	bpb "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	"go.chromium.org/infra/remotecore/reapi"
)

// Fake is a fake remote exec API backend.
type Fake struct {
	CAS *blobStore

	// ExecuteFunc computes the ActionResult for action. If nil, Execute
	// fails with Unimplemented.
	ExecuteFunc func(*Fake, *rpb.Action) (*rpb.ActionResult, error)
}

// blobStore is an in-memory CAS: a plain map keyed by "hash/size".
type blobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newBlobStore() *blobStore {
	return &blobStore{blobs: make(map[string][]byte)}
}

func blobKey(d *rpb.Digest) string {
	return d.GetHash() + "/" + strconv.FormatInt(d.GetSizeBytes(), 10)
}

// Put stores data for d, for tests that need to seed the CAS directly.
func (b *blobStore) Put(d *rpb.Digest, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[blobKey(d)] = data
}

func (b *blobStore) get(d *rpb.Digest) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blobs[blobKey(d)]
	return data, ok
}

type casServer struct {
	rpb.UnimplementedContentAddressableStorageServer
	store *blobStore
}

func (s *casServer) FindMissingBlobs(ctx context.Context, req *rpb.FindMissingBlobsRequest) (*rpb.FindMissingBlobsResponse, error) {
	resp := &rpb.FindMissingBlobsResponse{}
	for _, d := range req.GetBlobDigests() {
		if _, ok := s.store.get(d); !ok {
			resp.MissingBlobDigests = append(resp.MissingBlobDigests, d)
		}
	}
	return resp, nil
}

func (s *casServer) BatchReadBlobs(ctx context.Context, req *rpb.BatchReadBlobsRequest) (*rpb.BatchReadBlobsResponse, error) {
	resp := &rpb.BatchReadBlobsResponse{}
	for _, d := range req.GetDigests() {
		data, ok := s.store.get(d)
		r := &rpb.BatchReadBlobsResponse_Response{Digest: d}
		if !ok {
			r.Status = status.New(codes.NotFound, "blob not found").Proto()
		} else {
			r.Data = data
		}
		resp.Responses = append(resp.Responses, r)
	}
	return resp, nil
}

func (s *casServer) BatchUpdateBlobs(ctx context.Context, req *rpb.BatchUpdateBlobsRequest) (*rpb.BatchUpdateBlobsResponse, error) {
	resp := &rpb.BatchUpdateBlobsResponse{}
	for _, r := range req.GetRequests() {
		s.store.Put(r.GetDigest(), r.GetData())
		resp.Responses = append(resp.Responses, &rpb.BatchUpdateBlobsResponse_Response{
			Digest: r.GetDigest(),
			Status: status.New(codes.OK, "").Proto(),
		})
	}
	return resp, nil
}

// resourceDigest recovers the hash/size pair out of a ByteStream resource
// name of the form ".../blobs/<hash>/<size>" or
// ".../uploads/<uuid>/blobs/<hash>/<size>", ignoring any compressed-blobs
// segment in between since the fake never compresses.
func resourceDigest(name string) (*rpb.Digest, error) {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		if (p == "blobs" || p == "compressed-blobs") && i+2 < len(parts) {
			hash, size := parts[len(parts)-2], parts[len(parts)-1]
			n, err := strconv.ParseInt(size, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad resource name %q: %w", name, err)
			}
			return &rpb.Digest{Hash: hash, SizeBytes: n}, nil
		}
	}
	return nil, fmt.Errorf("bad resource name %q", name)
}

type byteStreamServer struct {
	bpb.UnimplementedByteStreamServer
	store *blobStore
}

func (s *byteStreamServer) Read(req *bpb.ReadRequest, stream bpb.ByteStream_ReadServer) error {
	d, err := resourceDigest(req.GetResourceName())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	data, ok := s.store.get(d)
	if !ok {
		return status.Error(codes.NotFound, "blob not found")
	}
	const chunk = 64 * 1024
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		if err := stream.Send(&bpb.ReadResponse{Data: data[off:end]}); err != nil {
			return err
		}
	}
	return nil
}

func (s *byteStreamServer) Write(stream bpb.ByteStream_WriteServer) error {
	var resourceName string
	var buf []byte
	for {
		req, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if resourceName == "" {
			resourceName = req.GetResourceName()
		}
		buf = append(buf, req.GetData()...)
		if req.GetFinishWrite() {
			break
		}
	}
	d, err := resourceDigest(resourceName)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	s.store.Put(d, buf)
	return stream.SendAndClose(&bpb.WriteResponse{CommittedSize: int64(len(buf))})
}

func (s *byteStreamServer) QueryWriteStatus(ctx context.Context, req *bpb.QueryWriteStatusRequest) (*bpb.QueryWriteStatusResponse, error) {
	return nil, status.Error(codes.NotFound, "query write status not supported by fake")
}

type actionCacheServer struct {
	rpb.UnimplementedActionCacheServer
	mu      sync.Mutex
	results map[string]*rpb.ActionResult
}

func newActionCacheServer() *actionCacheServer {
	return &actionCacheServer{results: make(map[string]*rpb.ActionResult)}
}

func (s *actionCacheServer) GetActionResult(ctx context.Context, req *rpb.GetActionResultRequest) (*rpb.ActionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[blobKey(req.GetActionDigest())]
	if !ok {
		return nil, status.Error(codes.NotFound, "action result not found")
	}
	return r, nil
}

func (s *actionCacheServer) UpdateActionResult(ctx context.Context, req *rpb.UpdateActionResultRequest) (*rpb.ActionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[blobKey(req.GetActionDigest())] = req.GetActionResult()
	return req.GetActionResult(), nil
}

type capabilitiesServer struct {
	rpb.UnimplementedCapabilitiesServer
}

func (*capabilitiesServer) GetCapabilities(ctx context.Context, req *rpb.GetCapabilitiesRequest) (*rpb.ServerCapabilities, error) {
	return &rpb.ServerCapabilities{
		CacheCapabilities: &rpb.CacheCapabilities{
			DigestFunctions: []rpb.DigestFunction_Value{rpb.DigestFunction_SHA256},
			ActionCacheUpdateCapabilities: &rpb.ActionCacheUpdateCapabilities{
				UpdateEnabled: true,
			},
			MaxBatchTotalSizeBytes:      4 * 1024 * 1024,
			SymlinkAbsolutePathStrategy: rpb.SymlinkAbsolutePathStrategy_ALLOWED,
		},
		ExecutionCapabilities: &rpb.ExecutionCapabilities{
			DigestFunction: rpb.DigestFunction_SHA256,
			ExecEnabled:    true,
		},
	}, nil
}

type executionServer struct {
	rpb.UnimplementedExecutionServer
	fake *Fake
	cas  *blobStore
}

func (s *executionServer) Execute(req *rpb.ExecuteRequest, stream rpb.Execution_ExecuteServer) error {
	if s.fake.ExecuteFunc == nil {
		return status.Error(codes.Unimplemented, "no ExecuteFunc set")
	}
	action := &rpb.Action{}
	data, ok := s.cas.get(req.GetActionDigest())
	if !ok {
		return status.Error(codes.NotFound, "action not found in CAS")
	}
	if err := proto.Unmarshal(data, action); err != nil {
		return status.Errorf(codes.InvalidArgument, "bad action: %v", err)
	}
	result, err := s.fake.ExecuteFunc(s.fake, action)
	execResp := &rpb.ExecuteResponse{Result: result}
	if err != nil {
		execResp.Status = status.Convert(err).Proto()
	}
	any, err := anypb.New(execResp)
	if err != nil {
		return status.Errorf(codes.Internal, "marshal response: %v", err)
	}
	op := &longrunningpb.Operation{
		Name: "operations/fake-" + blobKey(req.GetActionDigest()),
		Done: true,
		Result: &longrunningpb.Operation_Response{
			Response: any,
		},
	}
	return stream.Send(op)
}

type server struct {
	addr     string
	cleanups []func()
	closed   chan struct{}
}

func newServer(ctx context.Context, t *testing.T, fake *Fake) *server {
	t.Helper()
	s := &server{closed: make(chan struct{})}
	lis, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	s.cleanups = append(s.cleanups, func() {
		if err := lis.Close(); err != nil {
			t.Error(err)
		}
	})
	s.addr = lis.Addr().String()
	t.Logf("fake reapi at %s", s.addr)

	if fake.CAS == nil {
		fake.CAS = newBlobStore()
	}
	serv := grpc.NewServer()
	rpb.RegisterCapabilitiesServer(serv, &capabilitiesServer{})
	rpb.RegisterContentAddressableStorageServer(serv, &casServer{store: fake.CAS})
	bpb.RegisterByteStreamServer(serv, &byteStreamServer{store: fake.CAS})
	rpb.RegisterActionCacheServer(serv, newActionCacheServer())
	rpb.RegisterExecutionServer(serv, &executionServer{fake: fake, cas: fake.CAS})
	reflection.Register(serv)
	go func() {
		defer close(s.closed)
		err := serv.Serve(lis)
		t.Logf("Serve finished: %v", err)
	}()
	return s
}

func (s *server) Close() {
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}
	s.addr = ""
	s.cleanups = nil
	<-s.closed
}

// New starts a fake reapi grpc server and returns a client dialed to it.
func New(ctx context.Context, t *testing.T, fake *Fake) *reapi.Client {
	t.Helper()
	s := newServer(ctx, t, fake)
	t.Cleanup(s.Close)
	opt := reapi.Option{
		Address:  s.addr,
		Instance: "projects/siso-test/instances/default_instance",
		Insecure: true,
	}
	conn, err := grpc.NewClient(s.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	client, err := reapi.NewFromConn(ctx, opt, conn, conn)
	if err != nil {
		t.Fatal(err)
	}
	return client
}
