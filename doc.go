// Package leasewire hosts the agent side of a leasewire channel: a lock
// authority handing out shared and exclusive leases, plus the page and object
// store that workers read and write through the cache and kv packages.
//
// # Running a server
//
// The server listens on Config.ListenProto (tcp or unix) at Config.Listen
// and serves every accepted connection as one channel. All channels share
// one lock table and one backing store.
//
//	srv, stop, err := leasewire.StartServer(ctx, leasewire.Config{
//	    Listen: "127.0.0.1:9351",
//	    Store:  "disk:///var/lib/leasewire",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
//	log.Printf("listening on %s", srv.ListenerAddr())
//
// # Connecting a worker
//
//	c, err := client.Dial(ctx, "tcp", "127.0.0.1:9351")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//	svc, err := c.KV()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ns, err := svc.Open("settings")
//
// # Storage
//
// Config.Store selects the backend: mem:// keeps everything in memory,
// disk:///path stores pages and objects under path, and
// s3://host[:port]/bucket[/prefix] targets an S3-compatible service
// (append ?insecure=1 for plain HTTP, ?path-style=1 for path addressing).
// Transient storage failures are retried with exponential backoff and
// Config.Compress stores content objects zstd-compressed.
//
// # Telemetry
//
// Config.MetricsListen serves Prometheus metrics at /metrics,
// Config.PprofListen serves net/http/pprof and Config.OTLPEndpoint exports
// traces over OTLP grpc or http.
package leasewire
