// Package client is the worker end of a leasewire channel. One Client owns
// the call dispatcher, the stream multiplexer, and the lease manager of a
// single channel, and exposes the agent's page store to the cache and kv
// packages.
//
// # Quick start
//
//	ctx := context.Background()
//	cli, err := client.Dial(ctx, "unix", "/run/leasewire.sock")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//
//	caches, err := cli.Caches()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	assets, err := caches.Open(ctx, "assets")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	req, _ := http.NewRequest(http.MethodGet, "https://example.com/app.js", nil)
//	if err := assets.Add(ctx, req); err != nil {
//	    log.Fatal(err)
//	}
//
// # Leases
//
// Acquire returns once the agent granted the lease, waiting for its
// notification when the resource is busy. Always release: With does it on
// every exit path.
//
//	err = cli.With(ctx, "reports", true, func(ctx context.Context, l *client.Lease) error {
//	    return rebuildReports(ctx)
//	})
//
// # Channel loss
//
// When the channel resets, every outstanding call, pending lease, and open
// stream fails with api.ErrTransportReset. Granted leases are treated as
// lost: the agent releases everything a closed channel held, so a worker
// reconnects with a new Client and acquires again.
package client
