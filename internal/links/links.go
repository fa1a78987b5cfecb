package links

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"himan-converter/internal/shared/telemetry"
)

const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

var (
	ErrNotFound = errors.New("link not found")
	ErrExpired  = errors.New("link expired")
)

// Link is an ephemeral reference to stored result bytes.
type Link struct {
	Token        string
	StorageKey   string
	DownloadName string
	MimeType     string
	SessionID    string
	ConversionID string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Registry keeps minted links in memory until they expire or are revoked.
// Expired tokens are remembered for one extra TTL so they keep reporting
// ErrExpired after the janitor removes them.
type Registry struct {
	mu      sync.RWMutex
	links   map[string]Link
	expired map[string]time.Time
	ttl     time.Duration
	now     func() time.Time

	onExpire func(Link)
}

// NewRegistry constructs a Registry. A nil clock uses time.Now.
func NewRegistry(ttl time.Duration, now func() time.Time) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{
		links:   make(map[string]Link),
		expired: make(map[string]time.Time),
		ttl:     ttl,
		now:     now,
	}
}

// OnExpire registers fn to be called for every link removed by Sweep.
// Revoked links are not reported.
func (r *Registry) OnExpire(fn func(Link)) {
	r.mu.Lock()
	r.onExpire = fn
	r.mu.Unlock()
}

// TTL reports how long minted links stay valid.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Mint registers a link and returns it with its token and expiry set.
func (r *Registry) Mint(link Link) (Link, error) {
	if strings.TrimSpace(link.StorageKey) == "" {
		return Link{}, errors.New("storage key is required")
	}
	now := r.now().UTC()
	link.Token = uuid.NewString()
	link.CreatedAt = now
	link.ExpiresAt = now.Add(r.ttl)

	r.mu.Lock()
	r.links[link.Token] = link
	r.mu.Unlock()

	telemetry.Info("link.minted", map[string]any{
		"session_id":    link.SessionID,
		"conversion_id": link.ConversionID,
		"expires_at":    link.ExpiresAt.Format(time.RFC3339),
	})
	return link, nil
}

// Resolve returns a live link by token.
func (r *Registry) Resolve(token string) (Link, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Link{}, ErrNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	link, ok := r.links[token]
	if !ok {
		if _, gone := r.expired[token]; gone {
			return Link{}, ErrExpired
		}
		return Link{}, ErrNotFound
	}
	if !r.now().Before(link.ExpiresAt) {
		return Link{}, ErrExpired
	}
	return link, nil
}

// Revoke drops a link immediately. It reports whether the token was known.
func (r *Registry) Revoke(token string) bool {
	if token == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.links[token]
	delete(r.links, token)
	delete(r.expired, token)
	return ok
}

// Sweep removes expired links and forgets old tombstones. It returns the
// number of links removed.
func (r *Registry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	var swept []Link
	for token, link := range r.links {
		if !now.Before(link.ExpiresAt) {
			delete(r.links, token)
			r.expired[token] = link.ExpiresAt
			swept = append(swept, link)
		}
	}
	for token, expiredAt := range r.expired {
		if now.Sub(expiredAt) > r.ttl {
			delete(r.expired, token)
		}
	}
	hook := r.onExpire
	r.mu.Unlock()

	if hook != nil {
		for _, link := range swept {
			hook(link)
		}
	}
	return len(swept)
}

// Len reports the number of links held, expired or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// Run sweeps expired links every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if removed := r.Sweep(); removed > 0 {
				telemetry.Info("link.sweep", map[string]any{
					"removed":   removed,
					"remaining": r.Len(),
				})
			}
		}
	}
}
