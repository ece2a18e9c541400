package client

import (
	"pkt.systems/leasewire/cache"
	"pkt.systems/leasewire/kv"
)

// Caches returns the HTTP cache storage reached over this channel.
func (c *Client) Caches(opts ...cache.Option) (*cache.Storage, error) {
	base := []cache.Option{cache.WithLogger(c.logger), cache.WithStoreOptions(c.StoreOptions()...)}
	return cache.NewStorage(c.LeaseAcquirer(), c.Backing(), append(base, opts...)...)
}

// KV returns the key-value service reached over this channel.
func (c *Client) KV(opts ...kv.Option) (*kv.Service, error) {
	base := []kv.Option{kv.WithLogger(c.logger), kv.WithClock(c.clock), kv.WithStoreOptions(c.StoreOptions()...)}
	return kv.NewService(c.LeaseAcquirer(), c.Backing(), append(base, opts...)...)
}
