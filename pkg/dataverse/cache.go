package dataverse

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// Factory builds a client for a configuration.
type Factory func(cfg Config, logger *zap.Logger) (*Client, error)

// ClientCache keeps one client per environment and app registration so that
// token acquisition and the breaker state are shared between requests.
// An entry is replaced when its credentials or settings change.
type ClientCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	factory Factory
	logger  *zap.Logger // passed to the factory
	log     *zap.Logger
}

type cacheEntry struct {
	client      *Client
	fingerprint uint64
}

// NewClientCache creates a cache. A nil factory uses New.
func NewClientCache(factory Factory, logger *zap.Logger) *ClientCache {
	if factory == nil {
		factory = New
	}
	return &ClientCache{
		entries: make(map[string]cacheEntry),
		factory: factory,
		logger:  logger,
		log:     logger.Named("dataverse-cache"),
	}
}

func cacheKey(cfg Config) string {
	return cfg.ServerURL + "|" + cfg.ClientID
}

// fingerprint covers every setting that requires a fresh client.
func fingerprint(cfg Config) uint64 {
	d := xxhash.New()
	for _, s := range []string{cfg.TenantID, cfg.ClientSecret, cfg.APIVersion, cfg.TokenURL, cfg.Timeout.String()} {
		_, _ = d.WriteString(s)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// Get returns the cached client for cfg, creating it on first use or after a
// configuration change.
func (c *ClientCache) Get(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	key := cacheKey(cfg)
	fp := fingerprint(cfg)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if e.fingerprint == fp {
			return e.client, nil
		}
		c.log.Info("Dataverse configuration changed, replacing client",
			zap.String("server", cfg.ServerURL))
	}

	client, err := c.factory(cfg, c.logger)
	if err != nil {
		return nil, err
	}
	c.entries[key] = cacheEntry{client: client, fingerprint: fp}
	return client, nil
}

// Invalidate drops the client for an environment and app registration.
func (c *ClientCache) Invalidate(serverURL, clientID string) {
	cfg := Config{ServerURL: serverURL, ClientID: clientID}.withDefaults()

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(cfg))
}

// Len returns the number of cached clients.
func (c *ClientCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
