package etl

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// existenceCache remembers registry identifiers known to be stored so
// repeated identifiers in one run skip the database lookup.
type existenceCache struct {
	known *lru.Cache[string, struct{}]
}

func newExistenceCache(size int) (*existenceCache, error) {
	if size <= 0 {
		size = 1
	}
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &existenceCache{known: c}, nil
}

func (c *existenceCache) has(id string) bool {
	return c.known.Contains(id)
}

func (c *existenceCache) add(ids ...string) {
	for _, id := range ids {
		c.known.Add(id, struct{}{})
	}
}
