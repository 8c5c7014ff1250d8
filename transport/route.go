package transport

import (
	"github.com/cespare/xxhash/v2"
)

// Route maps a routing key to a consumer index. Equal keys always reach the
// same consumer, which is what keeps per-key ordering.
func (t *Transport) Route(key uint64) int {
	return int(key % uint64(len(t.queues)))
}

// RouteBytes routes by the xxhash of key.
func (t *Transport) RouteBytes(key []byte) int {
	return t.Route(xxhash.Sum64(key))
}

func (t *Transport) RouteString(key string) int {
	return t.Route(xxhash.Sum64String(key))
}
