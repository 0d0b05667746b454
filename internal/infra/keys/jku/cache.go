// Package jku fetches and caches the public key sets referenced by the jku
// header of signature envelopes.
package jku

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
)

const (
	defaultCacheTTL      = 5 * time.Minute
	defaultMaxStale      = 15 * time.Minute
	defaultFetchTimeout  = 5 * time.Second
	defaultRetryAttempts = 3
	defaultRetryBase     = 200 * time.Millisecond
	defaultRetryMax      = 2 * time.Second
)

type keyState int

const (
	keyMissing keyState = iota
	keyFresh
	keyStale
)

// Cache holds one key set per jku URL. Only URLs passed to Lookup are
// fetched; callers decide which URLs are trusted.
type Cache struct {
	httpClient   *http.Client
	ttl          time.Duration
	maxStale     time.Duration
	fetchTimeout time.Duration
	retryBase    time.Duration
	retryMax     time.Duration
	now          func() time.Time

	mu   sync.Mutex
	sets map[string]*keySet
}

type keySet struct {
	url string

	mu         sync.RWMutex
	keys       map[string]jose.JSONWebKey
	expiresAt  time.Time
	staleUntil time.Time

	refreshMu sync.Mutex
	refreshCh chan struct{}
	lastErr   error
}

func NewCache(httpClient *http.Client) *Cache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &Cache{
		httpClient:   httpClient,
		ttl:          defaultCacheTTL,
		maxStale:     defaultMaxStale,
		fetchTimeout: defaultFetchTimeout,
		retryBase:    defaultRetryBase,
		retryMax:     defaultRetryMax,
		now:          time.Now,
		sets:         map[string]*keySet{},
	}
}

// Lookup returns the key with kid published at url.
func (c *Cache) Lookup(ctx context.Context, url, kid string) (jose.JSONWebKey, error) {
	if url == "" || kid == "" {
		return jose.JSONWebKey{}, errors.New("jku and kid are required")
	}
	set := c.set(url)
	now := c.now()
	if key, state := set.lookup(kid, now); state == keyFresh {
		return key, nil
	} else if state == keyStale {
		c.refreshAsync(set)
		return key, nil
	}
	if err := c.refresh(ctx, set); err != nil {
		return jose.JSONWebKey{}, err
	}
	if key, state := set.lookup(kid, c.now()); state != keyMissing {
		return key, nil
	}
	return jose.JSONWebKey{}, fmt.Errorf("kid %s not published at %s", kid, url)
}

func (c *Cache) set(url string) *keySet {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.sets[url]
	if !ok {
		set = &keySet{url: url, keys: map[string]jose.JSONWebKey{}}
		c.sets[url] = set
	}
	return set
}

func (s *keySet) lookup(kid string, now time.Time) (jose.JSONWebKey, keyState) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[kid]
	if !ok {
		return jose.JSONWebKey{}, keyMissing
	}
	if now.Before(s.expiresAt) {
		return key, keyFresh
	}
	if !s.staleUntil.IsZero() && now.Before(s.staleUntil) {
		return key, keyStale
	}
	return jose.JSONWebKey{}, keyMissing
}

func (c *Cache) refreshAsync(set *keySet) {
	ctx, cancel := context.WithTimeout(context.Background(), c.fetchTimeout)
	go func() {
		_ = c.refresh(ctx, set)
		cancel()
	}()
}

func (c *Cache) refresh(ctx context.Context, set *keySet) error {
	ch, leader := set.beginRefresh()
	if !leader {
		return set.waitRefresh(ctx, ch)
	}
	err := c.doRefresh(ctx, set)
	set.finishRefresh(err, ch)
	return err
}

func (s *keySet) beginRefresh() (chan struct{}, bool) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if s.refreshCh != nil {
		return s.refreshCh, false
	}
	ch := make(chan struct{})
	s.refreshCh = ch
	return ch, true
}

func (s *keySet) waitRefresh(ctx context.Context, ch chan struct{}) error {
	select {
	case <-ch:
		s.refreshMu.Lock()
		defer s.refreshMu.Unlock()
		return s.lastErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *keySet) finishRefresh(err error, ch chan struct{}) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	s.lastErr = err
	close(ch)
	s.refreshCh = nil
}

func (c *Cache) doRefresh(ctx context.Context, set *keySet) error {
	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	keys, err := c.fetchWithRetry(ctx, set.url)
	if err != nil {
		return err
	}
	now := c.now()
	set.mu.Lock()
	set.keys = keys
	set.expiresAt = now.Add(c.ttl)
	set.staleUntil = set.expiresAt.Add(c.maxStale)
	set.mu.Unlock()
	return nil
}

func (c *Cache) fetchWithRetry(ctx context.Context, url string) (map[string]jose.JSONWebKey, error) {
	delay := c.retryBase
	var lastErr error
	for attempt := 0; attempt < defaultRetryAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
			if delay > c.retryMax {
				delay = c.retryMax
			}
		}
		keys, err := c.fetchOnce(ctx, url)
		if err == nil {
			return keys, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Cache) fetchOnce(ctx context.Context, url string) (map[string]jose.JSONWebKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("jku fetch %s failed: status %d", url, resp.StatusCode)
	}
	var payload jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode jku %s: %w", url, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(payload.Keys))
	for _, key := range payload.Keys {
		if key.KeyID == "" || !key.IsPublic() || !key.Valid() {
			continue
		}
		keys[key.KeyID] = key
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("jku %s contains no usable keys", url)
	}
	return keys, nil
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
