package session

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// VersionCache negotiates the protocol version once per process and shares
// it across all sessions. Concurrent first calls share one request; a
// failed negotiation is retried by the next caller.
type VersionCache struct {
	group   singleflight.Group
	mu      sync.RWMutex
	version string
}

// Get returns the cached version or asks d for it.
func (c *VersionCache) Get(ctx context.Context, d Dialer) (string, error) {
	c.mu.RLock()
	v := c.version
	c.mu.RUnlock()
	if v != "" {
		return v, nil
	}

	res, err, _ := c.group.Do("version", func() (any, error) {
		v, err := d.LatestVersion(ctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.version = v
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}
