package convsync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ProfileFetcher loads a profile from the backend. *Client implements it.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, userID string) (Profile, error)
}

// ProfileCache is a ProfileResolver backed by a ProfileFetcher. A miss
// reports pending and starts one background fetch per user.
type ProfileCache struct {
	fetcher ProfileFetcher
	timeout time.Duration
	log     *zap.Logger

	group singleflight.Group

	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewProfileCache(fetcher ProfileFetcher, log *zap.Logger) *ProfileCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProfileCache{
		fetcher:  fetcher,
		timeout:  10 * time.Second,
		log:      log,
		profiles: make(map[string]Profile),
	}
}

func (c *ProfileCache) Resolve(userID string) (Profile, bool) {
	c.mu.RLock()
	p, ok := c.profiles[userID]
	c.mu.RUnlock()
	if ok {
		return p, true
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		if _, err := c.Load(ctx, userID); err != nil {
			c.log.Debug("profile_fetch_failed", zap.String("user_id", userID), zap.Error(err))
		}
	}()
	return Profile{}, false
}

// Load fetches and caches a profile. Concurrent loads of one user share a
// single request.
func (c *ProfileCache) Load(ctx context.Context, userID string) (Profile, error) {
	v, err, _ := c.group.Do(userID, func() (any, error) {
		p, err := c.fetcher.FetchProfile(ctx, userID)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.profiles[userID] = p
		c.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return Profile{}, err
	}
	return v.(Profile), nil
}
