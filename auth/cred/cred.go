// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package cred provides gRPC / API credentials to authenticate to network services.
package cred

import (
	"context"
	"crypto/tls"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/oauth"

	"go.chromium.org/infra/remotecore/o11y/clog"
)

// Cred holds credentials and derived values.
type Cred struct {
	// Type is credential type: the credential helper's path, "gcloud",
	// or "static" when the token does not name its source.
	Type string

	// Email is authenticated email, when the token source reports one.
	Email string

	rpcCredentials credentials.PerRPCCredentials
	tokenSource    oauth2.TokenSource
}

// Options selects how New obtains a token source. CredHelper, if set,
// names a Bazel/Blaze-style credential helper binary; otherwise New
// falls back to `gcloud auth print-access-token`. TokenSource, if set,
// is used as-is and takes priority over both.
type Options struct {
	CredHelper  string
	TokenSource oauth2.TokenSource
}

// New builds a Cred from opts, verifying the token source works by
// fetching one token up front.
func New(ctx context.Context, opts Options) (Cred, error) {
	ts := opts.TokenSource
	if ts == nil {
		if opts.CredHelper != "" {
			ts = credHelperTokenSource{credHelper: opts.CredHelper}
		} else {
			ts = gcloudTokenSource{}
		}
	}
	tok, err := ts.Token()
	if err != nil {
		return Cred{}, fmt.Errorf("cred: fetch token: %w", credHelperErr(opts.CredHelper, err))
	}
	t, _ := tok.Extra("x-token-source").(string)
	if t == "" {
		t = "static"
	}
	email, _ := tok.Extra("x-token-email").(string)
	clog.Infof(ctx, "use auth %v email: %s", t, email)
	reused := oauth2.ReuseTokenSource(tok, ts)
	return Cred{
		Type:  t,
		Email: email,
		rpcCredentials: oauth.TokenSource{
			TokenSource: reused,
		},
		tokenSource: reused,
	}, nil
}

// GRPCDialOptions returns grpc's dial options to use the credential.
func (c Cred) GRPCDialOptions() []grpc.DialOption {
	if c.rpcCredentials == nil {
		return nil
	}
	return []grpc.DialOption{
		grpc.WithPerRPCCredentials(c.rpcCredentials),
		grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})),
	}
}

// ClientOptions returns googleapi's client options to use the credential.
func (c Cred) ClientOptions() []option.ClientOption {
	if c.tokenSource == nil {
		return nil
	}
	return []option.ClientOption{
		option.WithTokenSource(c.tokenSource),
	}
}
