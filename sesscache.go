package kcpclient

import (
	"time"

	"github.com/golang/glog"
	"github.com/patrickmn/go-cache"
)

// session cache, maps remote address to its session with a sliding TTL
// so peers that stopped talking are eventually reaped
type sesscache struct {
	inner *cache.Cache
}

// --- impl sesscache
func newSesscache(ttl, cleanupInterval time.Duration) sesscache {
	c := cache.New(ttl, cleanupInterval)
	c.OnEvicted(func(addr string, v interface{}) {
		s := v.(*UDPSession)
		if err := s.Close(); err == nil {
			glog.V(1).Infof("session %s reaped: %s idle", s.sid, addr)
		}
	})
	return sesscache{c}
}

// Touch inserts or refreshes the entry, restarting its TTL
func (c sesscache) Touch(addr string, s *UDPSession) {
	if addr == "" {
		return
	}
	c.inner.Set(addr, s, cache.DefaultExpiration)
}

func (c sesscache) Get(addr string) (*UDPSession, bool) {
	v, ok := c.inner.Get(addr)
	if ok {
		return v.(*UDPSession), true
	} else {
		return nil, false
	}
}

// Remove drops the entry; the eviction hook makes sure the session is
// closed whichever path removed it
func (c sesscache) Remove(addr string) {
	c.inner.Delete(addr)
}
