package ttp

import (
	"context"
	"sync"
	"time"

	"github.com/example/slotwatch/internal/appointment"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const allLocationsKey = "all"

// LocationLister is satisfied by *Client.
type LocationLister interface {
	Locations(ctx context.Context) ([]appointment.Location, error)
}

// LocationCache keeps the location list for ttl so the dashboard proxy and
// the automator don't spend upstream quota on a list that rarely changes.
type LocationCache struct {
	src   LocationLister
	lists *expirable.LRU[string, []appointment.Location]
	byID  *expirable.LRU[string, appointment.Location]
	mu    sync.Mutex // single-flight for refreshes
}

func NewLocationCache(src LocationLister, ttl time.Duration) *LocationCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &LocationCache{
		src:   src,
		lists: expirable.NewLRU[string, []appointment.Location](1, nil, ttl),
		byID:  expirable.NewLRU[string, appointment.Location](2048, nil, ttl),
	}
}

func (c *LocationCache) Locations(ctx context.Context) ([]appointment.Location, error) {
	if ls, ok := c.lists.Get(allLocationsKey); ok {
		return ls, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ls, ok := c.lists.Get(allLocationsKey); ok {
		return ls, nil
	}
	ls, err := c.src.Locations(ctx)
	if err != nil {
		return nil, err
	}
	c.lists.Add(allLocationsKey, ls)
	for _, l := range ls {
		c.byID.Add(l.ID, l)
	}
	return ls, nil
}

// Lookup finds a location by id, refreshing the list on a miss.
func (c *LocationCache) Lookup(ctx context.Context, id string) (appointment.Location, bool) {
	if l, ok := c.byID.Get(id); ok {
		return l, true
	}
	if _, err := c.Locations(ctx); err != nil {
		return appointment.Location{}, false
	}
	return c.byID.Get(id)
}
