// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package proxy is a client for the shared-build proxy: a peer that runs
// commands forwarded to it by another build, so idle worker capacity on
// one machine can be borrowed by another without going through REAPI.
// The proxy server itself is out of scope for this module.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.chromium.org/infra/remotecore/o11y/clog"
)

// InitializeBuildEnvRequest asks a proxy to prepare a build environment for
// a peer build before any commands are forwarded to it.
type InitializeBuildEnvRequest struct {
	NinjaHost      string `json:"ninja_host"`
	NinjaBuildDir  string `json:"ninja_build_dir"`
	RootDir        string `json:"root_dir"`
	ContainerImage string `json:"container_image"`
	WorkerNum      int32  `json:"worker_num"`
}

// ClearBuildEnvRequest tears down a build environment previously prepared
// by InitializeBuildEnv.
type ClearBuildEnvRequest struct {
	NinjaHost     string `json:"ninja_host"`
	NinjaBuildDir string `json:"ninja_build_dir"`
	RootDir       string `json:"root_dir"`
}

// ForwardAndExecuteRequest asks a proxy to run a single command in a
// previously-initialized build environment.
type ForwardAndExecuteRequest struct {
	NinjaHost     string `json:"ninja_host"`
	NinjaBuildDir string `json:"ninja_build_dir"`
	RootDir       string `json:"root_dir"`
	CmdID         string `json:"cmd_id"`
	Cmd           string `json:"cmd"`
}

// ForwardAndExecuteResponse is a peer's result for a forwarded command.
type ForwardAndExecuteResponse struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// Client talks to a single shared-build proxy over HTTP. There is no REAPI
// or gRPC service definition for this protocol in scope, so the wire
// format is plain JSON over the proxy's own bespoke endpoints rather than
// a generated gRPC stub.
type Client struct {
	addr string
	hc   *http.Client
}

// NewClient returns a Client for the proxy at addr (e.g. "http://host:port").
// If hc is nil, http.DefaultClient is used.
func NewClient(addr string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{addr: addr, hc: hc}
}

// String returns the address the client dials, for logs and diagnostics.
func (c *Client) String() string {
	return c.addr
}

// InitializeBuildEnv prepares the proxy's build environment for a peer build.
func (c *Client) InitializeBuildEnv(ctx context.Context, req InitializeBuildEnvRequest) error {
	return c.do(ctx, "/InitializeBuildEnv", req, nil)
}

// ClearBuildEnv tears down a previously-initialized build environment.
func (c *Client) ClearBuildEnv(ctx context.Context, req ClearBuildEnvRequest) error {
	return c.do(ctx, "/ClearBuildEnv", req, nil)
}

// ForwardAndExecute runs a single command on the proxy and returns its result.
func (c *Client) ForwardAndExecute(ctx context.Context, req ForwardAndExecuteRequest) (*ForwardAndExecuteResponse, error) {
	resp := &ForwardAndExecuteResponse{}
	if err := c.do(ctx, "/ForwardAndExecute", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, path string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("proxy: marshal request for %s: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addr+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("proxy: new request for %s: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	clog.Infof(ctx, "proxy %s%s", c.addr, path)
	r, err := c.hc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("proxy: %s: %w", path, err)
	}
	defer r.Body.Close()
	if r.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(r.Body, 4096))
		return fmt.Errorf("proxy: %s: status %d: %s", path, r.StatusCode, b)
	}
	if resp == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(resp); err != nil {
		return fmt.Errorf("proxy: decode response for %s: %w", path, err)
	}
	return nil
}
