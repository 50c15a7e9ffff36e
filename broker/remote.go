// ABOUTME: Remote HTTP broker backend with a TTL + max-size lookup cache.
// ABOUTME: Auth is bearer token or basic; cache is invalidated on config reload.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/openimaging/dicomgate/config"
)

// cacheEntry is one cached lookup with its insertion time.
type cacheEntry struct {
	output  string
	addedAt time.Time
}

// Remote resolves identities against an external broker service.
type Remote struct {
	name     string
	baseURL  string
	token    string
	username string
	password string
	ttl      time.Duration
	maxSize  int
	client   *http.Client

	mu    sync.Mutex
	cache map[string]cacheEntry
}

var _ Broker = (*Remote)(nil)

// NewRemote builds the HTTP backend from a broker config.
func NewRemote(cfg config.Broker) *Remote {
	ttl := time.Duration(cfg.CacheTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	size := cfg.CacheMaxSize
	if size <= 0 {
		size = 10000
	}
	return &Remote{
		name:     cfg.Name,
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		token:    cfg.Token,
		username: cfg.Username,
		password: cfg.Password,
		ttl:      ttl,
		maxSize:  size,
		client:   &http.Client{Timeout: 15 * time.Second},
		cache:    map[string]cacheEntry{},
	}
}

// Lookup consults the cache, then the remote service.
func (r *Remote) Lookup(ctx context.Context, inputID, idType string) (string, error) {
	key := idType + "\x00" + inputID

	r.mu.Lock()
	if e, ok := r.cache[key]; ok && time.Since(e.addedAt) < r.ttl {
		r.mu.Unlock()
		return e.output, nil
	}
	r.mu.Unlock()

	q := url.Values{}
	q.Set("input_id", inputID)
	q.Set("id_type", idType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+"/lookup?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	} else if r.username != "" {
		req.SetBasicAuth(r.username, r.password)
	}

	rsp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("broker %s lookup: %w", r.name, err)
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("broker %s lookup: %s", r.name, rsp.Status)
	}

	var body struct {
		OutputID string `json:"output_id"`
	}
	if err := json.NewDecoder(rsp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("broker %s response: %w", r.name, err)
	}
	if body.OutputID == "" {
		return "", fmt.Errorf("broker %s returned empty output_id", r.name)
	}

	r.mu.Lock()
	if len(r.cache) >= r.maxSize {
		r.evictOldestLocked()
	}
	r.cache[key] = cacheEntry{output: body.OutputID, addedAt: time.Now()}
	r.mu.Unlock()
	return body.OutputID, nil
}

// evictOldestLocked drops the stalest entry to make room. Callers hold mu.
func (r *Remote) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range r.cache {
		if oldestKey == "" || e.addedAt.Before(oldest) {
			oldestKey, oldest = k, e.addedAt
		}
	}
	if oldestKey != "" {
		delete(r.cache, oldestKey)
	}
}

// ClearCache drops every cached lookup.
func (r *Remote) ClearCache() {
	r.mu.Lock()
	r.cache = map[string]cacheEntry{}
	r.mu.Unlock()
}

// CacheSize returns the current number of cached lookups.
func (r *Remote) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

func (r *Remote) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
