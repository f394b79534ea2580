package engine

import "sync"

// channelLocks serializes work per channel. Entries are removed when
// their last holder releases them.
type channelLocks struct {
	mu    sync.Mutex
	locks map[string]*channelLock
}

type channelLock struct {
	mu   sync.Mutex
	refs int
}

func newChannelLocks() *channelLocks {
	return &channelLocks{locks: make(map[string]*channelLock)}
}

// lock blocks until the channel is free and returns the release func.
func (c *channelLocks) lock(channelID string) func() {
	c.mu.Lock()
	l, ok := c.locks[channelID]
	if !ok {
		l = &channelLock{}
		c.locks[channelID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, channelID)
		}
		c.mu.Unlock()
	}
}

func (c *channelLocks) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.locks)
}
