// Package dnscache is the bounded answer cache in front of upstream
// resolution. It is a fixed-capacity LRU keyed by DNS question; expired
// entries are dropped on access, so no background sweeper runs.
package dnscache

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/miekg/dns"
)

// Key identifies one cached question.
type Key struct {
	Name   string
	Qtype  uint16
	Qclass uint16
}

// KeyFor builds the cache key for a query message. Names are lowercased
// and fully qualified so equivalent spellings share an entry.
func KeyFor(q dns.Question) Key {
	return Key{
		Name:   dns.CanonicalName(q.Name),
		Qtype:  q.Qtype,
		Qclass: q.Qclass,
	}
}

type entry struct {
	msg     *dns.Msg
	expires time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	inner *lru.Cache
	now   func() time.Time
}

// New builds a cache holding at most size entries.
func New(size int) (*Cache, error) {
	inner, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("dnscache: %w", err)
	}
	return &Cache{inner: inner, now: time.Now}, nil
}

// Get returns a copy of the cached response with record TTLs capped at
// the entry's remaining lifetime in the cache. Absent and expired keys both report a miss;
// expired entries are evicted on the way out.
func (c *Cache) Get(k Key) (*dns.Msg, bool) {
	v, ok := c.inner.Get(k)
	if !ok {
		return nil, false
	}
	e := v.(entry)
	remaining := e.expires.Sub(c.now())
	if remaining <= 0 {
		c.inner.Remove(k)
		return nil, false
	}
	msg := e.msg.Copy()
	clampTTL(msg, uint32(remaining/time.Second))
	return msg, true
}

// Put stores msg under k for ttl. Non-positive ttl entries are not
// stored at all.
func (c *Cache) Put(k Key, msg *dns.Msg, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.inner.Add(k, entry{msg: msg.Copy(), expires: c.now().Add(ttl)})
}

// Len returns the number of resident entries, expired ones included.
func (c *Cache) Len() int {
	return c.inner.Len()
}

func clampTTL(msg *dns.Msg, max uint32) {
	for _, section := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range section {
			if rr.Header().Rrtype == dns.TypeOPT {
				continue
			}
			if rr.Header().Ttl > max {
				rr.Header().Ttl = max
			}
		}
	}
}
