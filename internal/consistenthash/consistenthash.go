// Package consistenthash picks a store shard for a given rate-limit/
// flow-control key, so the same key always routes to the same shard across
// a resizable pool of key-value endpoints.
package consistenthash

import (
	"fmt"

	"github.com/dgryski/go-rendezvous"
)

// Picker selects one of a fixed set of named shards for a key using
// rendezvous (highest-random-weight) hashing: adding or removing a shard
// only reassigns the keys that belonged to that shard.
type Picker struct {
	shards []string
	rv     *rendezvous.Rendezvous
}

func hash(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// New builds a Picker over the given shard names, in pool order.
func New(shards []string) (*Picker, error) {
	if len(shards) == 0 {
		return nil, fmt.Errorf("consistenthash: at least one shard is required")
	}
	cp := append([]string(nil), shards...)
	return &Picker{shards: cp, rv: rendezvous.New(cp, hash)}, nil
}

// Pick returns the shard name key should route to.
func (p *Picker) Pick(key string) string {
	return p.rv.Lookup(key)
}

// Shards returns the configured shard names, in pool order.
func (p *Picker) Shards() []string {
	return append([]string(nil), p.shards...)
}
