// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package reapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	rpb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"go.chromium.org/infra/remotecore/o11y/clog"
	"go.chromium.org/infra/remotecore/reapi/retry"
)

// ErrBadPlatformContainerImage is an error if the request used bad platform container image.
var ErrBadPlatformContainerImage = errors.New("reapi: bad platform container image")

// execPolicy is the retry budget for the long-running Execute/WaitExecution
// stream: an unbounded attempt count since the caller's context deadline,
// not an attempt count, is what ultimately bounds the wait.
var execPolicy = retry.Policy{
	MaxAttempts: 1 << 30,
	BaseDelay:   1 * time.Second,
	MaxDelay:    30 * time.Second,
}

// ExecuteAndWait executes a cmd and waits for the result.
func (c *Client) ExecuteAndWait(ctx context.Context, req *rpb.ExecuteRequest, opts ...grpc.CallOption) (string, *rpb.ExecuteResponse, error) {
	clog.Infof(ctx, "execute action")

	if req.InstanceName == "" {
		req.InstanceName = c.opt.Instance
	}

	var opName string
	var waitReq *rpb.WaitExecutionRequest
	resp := &rpb.ExecuteResponse{}
	type responseStream interface {
		Recv() (*longrunningpb.Operation, error)
	}
	execClient := rpb.NewExecutionClient(c.conn)

	err := retry.DoWithPolicy(ctx, execPolicy, func(ctx context.Context) (attemptErr error) {
		defer func() { c.m.OpsDone(attemptErr) }()
		callCtx, cancel := context.WithTimeout(ctx, 1*time.Minute)
		defer cancel()
		var stream responseStream
		var err error
		if waitReq != nil {
			stream, err = execClient.WaitExecution(callCtx, waitReq, opts...)
		} else {
			stream, err = execClient.Execute(callCtx, req, opts...)
		}
		if err != nil {
			return status.Errorf(status.Code(err), "execute: %v", err)
		}
		for {
			op, err := stream.Recv()
			if err != nil {
				if status.Code(err) == codes.NotFound {
					waitReq = nil
					return status.Errorf(codes.Unavailable, "operation stream lost: %v", err)
				}
				return err
			}
			if opName == "" {
				opName = op.GetName()
				clog.Infof(callCtx, "operation starts: %s", opName)
			}
			if !op.GetDone() {
				waitReq = &rpb.WaitExecutionRequest{Name: opName}
				continue
			}
			clog.Infof(callCtx, "operation done: %s", opName)
			waitReq = nil
			if err := op.GetResponse().UnmarshalTo(resp); err != nil {
				err = status.Errorf(codes.Internal, "op %s response bad type %T: %v", op.GetName(), op.GetResponse(), err)
				clog.Warningf(callCtx, "action digest: %s failed %v", req.ActionDigest, err)
				return err
			}
			return erespErr(callCtx, resp)
		}
	})

	if err == nil {
		err = status.FromProto(resp.GetStatus()).Err()
		switch status.Code(err) {
		case codes.PermissionDenied, codes.NotFound:
			// RBE returns permission denied or not found when
			// platform container image are not available
			// on RBE worker.
			err = fmt.Errorf("%w: %w", ErrBadPlatformContainerImage, err)
		}
	}
	return opName, resp, err
}

func erespErr(ctx context.Context, eresp *rpb.ExecuteResponse) error {
	st := eresp.GetStatus()
	if codes.Code(st.GetCode()) != codes.OK && len(st.GetDetails()) > 0 {
		clog.Warningf(ctx, "error details for %v: %v", codes.Code(st.GetCode()), st.GetDetails())
	}
	switch codes.Code(st.GetCode()) {
	case codes.OK:
	case codes.ResourceExhausted, codes.FailedPrecondition:
		clog.Warningf(ctx, "execute response: status=%s", st)
		return status.FromProto(st).Err()

	case codes.Internal:
		clog.Warningf(ctx, "execute response: status=%s", st)
		if strings.Contains(st.GetMessage(), "CreateProcess: failure in a Windows system call") {
			return status.FromProto(st).Err()
		}
		// message:"docker: Error response from daemon: OCI runtime create failed: container_linux.go:380: starting container process caused: exec: \"./bin/clang++\": permission denied: unknown."
		if strings.Contains(st.GetMessage(), "runtime create failed") && strings.Contains(st.GetMessage(), "starting container process") {
			return status.FromProto(st).Err()
		}
		// message::"docker: Error response from daemon: OCI runtime start failed: starting container: starting root container: starting sandbox: creating process: failed to load /b/chromium/src/native_client/toolchain/linux_x86/nacl_x86_glibc/bin/x86_64-nacl-g++: exec format error: unknown."
		if strings.Contains(st.GetMessage(), "runtime start failed") && strings.Contains(st.GetMessage(), "exec format error") {
			return status.FromProto(st).Err()
		}
		// an INTERNAL or UNAVAILABLE error code implies the action should
		// be retried: perhaps a transient error, or a different bot will
		// succeed next time.
		fallthrough
	case codes.Unavailable:
		st = proto.Clone(st).(*spb.Status)
		// codes.Unavailable, so that the retry wrapper will retry.
		st.Code = int32(codes.Unavailable)
		return status.FromProto(st).Err()

	case codes.Unauthenticated:
		clog.Warningf(ctx, "execute response: status=%s", st)
		if strings.Contains(st.GetMessage(), "Request had invalid authentication credentials.") {
			// may expire access token?
			st = proto.Clone(st).(*spb.Status)
			st.Code = int32(codes.Unavailable)
			return status.FromProto(st).Err()
		}
		return status.FromProto(st).Err()

	case codes.Aborted:
		if ctx.Err() == nil {
			// ctx is not canceled, but returned
			// code = Aborted, context canceled
			// in this case, it would be retriable.
			clog.Warningf(ctx, "execute response: aborted %s, but ctx is still active", st)
			if st.GetMessage() == "context canceled" {
				st = proto.Clone(st).(*spb.Status)
				// codes.Unavailable, so that the retry wrapper will retry.
				st.Code = int32(codes.Unavailable)
				return status.FromProto(st).Err()
			}
			// otherwise, "the bot running the task appears to be lost"
			return status.FromProto(st).Err()
		}
		fallthrough
	default:
		clog.Errorf(ctx, "execute response: status %s", st)
		return status.FromProto(st).Err()
	}
	return nil
}
