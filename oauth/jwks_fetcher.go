package oauth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"

	"idserver/jwtkit"
)

const defaultJwksCacheTTL = 5 * time.Minute

// minJwksRefetchInterval bounds how often an unknown kid can force a
// download of the same URI.
const minJwksRefetchInterval = 30 * time.Second

type jwksCacheEntry struct {
	set     jose.JSONWebKeySet
	expires time.Time
	etag    string
}

// JwksFetcher downloads client key sets from jwks_uri and caches them per URI.
type JwksFetcher struct {
	client HTTPClient
	ttl    time.Duration
	now    func() time.Time

	mu        sync.RWMutex
	cache     map[string]jwksCacheEntry
	fetchedAt map[string]time.Time
}

// NewJwksFetcher constructs a fetcher. A zero ttl uses five minutes; a
// negative ttl disables caching.
func NewJwksFetcher(client HTTPClient, ttl time.Duration) *JwksFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if ttl == 0 {
		ttl = defaultJwksCacheTTL
	}
	return &JwksFetcher{client: client, ttl: ttl, now: time.Now, cache: make(map[string]jwksCacheEntry), fetchedAt: make(map[string]time.Time)}
}

// FindKey returns the key with kid published at uri. A cached set missing
// the kid is refetched once, unless the URI was downloaded within the last
// thirty seconds.
func (f *JwksFetcher) FindKey(ctx context.Context, uri, kid, alg string) (*jose.JSONWebKey, error) {
	set, err := f.fetch(ctx, uri, false)
	if err != nil {
		return nil, err
	}
	if key := jwtkit.FindKey(set.Keys, kid, alg); key != nil {
		return key, nil
	}
	if f.fetchedRecently(uri) {
		return nil, fmt.Errorf("kid %s not published at %s", kid, uri)
	}
	set, err = f.fetch(ctx, uri, true)
	if err != nil {
		return nil, err
	}
	if key := jwtkit.FindKey(set.Keys, kid, alg); key != nil {
		return key, nil
	}
	return nil, fmt.Errorf("kid %s not published at %s", kid, uri)
}

func (f *JwksFetcher) fetch(ctx context.Context, uri string, force bool) (jose.JSONWebKeySet, error) {
	f.mu.RLock()
	entry, cached := f.cache[uri]
	f.mu.RUnlock()

	if cached && !force && f.now().Before(entry.expires) {
		return entry.set, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	req.Header.Set("Accept", "application/json")
	if cached && entry.etag != "" {
		req.Header.Set("If-None-Match", entry.etag)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	defer resp.Body.Close()
	f.markFetched(uri)

	if cached && resp.StatusCode == http.StatusNotModified {
		entry.expires = f.now().Add(f.ttl)
		f.store(uri, entry)
		return entry.set, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return jose.JSONWebKeySet{}, fmt.Errorf("jwks fetch failed: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	set, err := jwtkit.ParseKeySet(body)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}

	entry = jwksCacheEntry{set: set, etag: resp.Header.Get("ETag")}
	entry.expires = f.now().Add(maxCacheDuration(resp.Header.Get("Cache-Control"), f.ttl))
	f.store(uri, entry)
	return set, nil
}

func (f *JwksFetcher) store(uri string, entry jwksCacheEntry) {
	if f.ttl < 0 {
		return
	}
	f.mu.Lock()
	f.cache[uri] = entry
	f.mu.Unlock()
}

func (f *JwksFetcher) markFetched(uri string) {
	f.mu.Lock()
	f.fetchedAt[uri] = f.now()
	f.mu.Unlock()
}

func (f *JwksFetcher) fetchedRecently(uri string) bool {
	f.mu.RLock()
	at, ok := f.fetchedAt[uri]
	f.mu.RUnlock()
	return ok && f.now().Sub(at) < minJwksRefetchInterval
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := time.ParseDuration(kv[1] + "s"); err == nil {
				return secs
			}
		}
	}
	return fallback
}
