package server

import "sync"

// clientPool recycles *Client records once fully torn down, the Go
// expression of spec.md §6's acquire_client_resources/
// release_client_resources hooks. A record only ever re-enters the pool
// after teardown has already unsubscribed, deregistered, and closed its
// fd — see SPEC_FULL.md §3 for why this is not a general-purpose
// sync.Pool of reusable relay buffers the way the teacher's proxy.go
// pools 32KiB copy buffers.
var clientPool = sync.Pool{
	New: func() any { return new(Client) },
}

func acquireClient() *Client {
	return clientPool.Get().(*Client)
}

func releaseClient(c *Client) {
	*c = Client{}
	clientPool.Put(c)
}
