// Copyright 2025 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package dispatch

import (
	"sync/atomic"

	"go.chromium.org/infra/remotecore/execute/proxy"
)

// ProxyPool round-robins requests across a fixed set of shared-build
// proxy clients, e.g. one connection per peer worker.
type ProxyPool struct {
	clients []*proxy.Client
	next    atomic.Uint64
}

// NewProxyPool dials one client per address in addrs.
func NewProxyPool(addrs []string) *ProxyPool {
	clients := make([]*proxy.Client, len(addrs))
	for i, addr := range addrs {
		clients[i] = proxy.NewClient(addr, nil)
	}
	return &ProxyPool{clients: clients}
}

// Next returns the next client in round-robin order, or nil if the pool
// has no clients.
func (p *ProxyPool) Next() *proxy.Client {
	if len(p.clients) == 0 {
		return nil
	}
	i := p.next.Add(1) - 1
	return p.clients[i%uint64(len(p.clients))]
}

// Len returns the number of clients in the pool.
func (p *ProxyPool) Len() int {
	return len(p.clients)
}
