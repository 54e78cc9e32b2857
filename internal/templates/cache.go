package templates

import (
	"context"
	"sync"

	"Mailer/internal/models"
)

type cacheKey struct {
	name string
	mode string
}

// CachingResolver keeps resolved descriptors for the life of the process.
// Misses and errors are not cached.
type CachingResolver struct {
	next Resolver

	mu    sync.RWMutex
	cache map[cacheKey]*models.TemplateDescriptor
}

func NewCachingResolver(next Resolver) *CachingResolver {
	return &CachingResolver{
		next:  next,
		cache: make(map[cacheKey]*models.TemplateDescriptor),
	}
}

func (c *CachingResolver) Resolve(ctx context.Context, name, mode string) (*models.TemplateDescriptor, error) {
	key := cacheKey{name: name, mode: mode}

	c.mu.RLock()
	d, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return d, nil
	}

	d, err := c.next.Resolve(ctx, name, mode)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if cached, ok := c.cache[key]; ok {
		d = cached
	} else {
		c.cache[key] = d
	}
	c.mu.Unlock()

	return d, nil
}

// Reload drops every cached descriptor.
func (c *CachingResolver) Reload() {
	c.mu.Lock()
	c.cache = make(map[cacheKey]*models.TemplateDescriptor)
	c.mu.Unlock()
}
