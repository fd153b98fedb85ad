// Package idempotency implements the three-layer deduplication cache.
// Each layer has its own key shape and TTL because the layers protect
// against different failure modes: retried ingress requests (REQUEST),
// double-processing of one accumulated turn (TURN), and double execution of
// a business action across a supersede chain (ACTION).
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"acf/internal/config"
	"acf/internal/logging"
	"acf/internal/types"
)

// Layer identifies one deduplication scope.
type Layer string

const (
	LayerRequest Layer = "REQUEST"
	LayerTurn    Layer = "TURN"
	LayerAction  Layer = "ACTION"
)

// Cache is the three-layer idempotency store. Safe for concurrent use; the
// backing store provides atomic add semantics and TTL-based garbage
// collection.
type Cache struct {
	layers map[Layer]*gocache.Cache
	group  singleflight.Group
}

// New builds a cache with per-layer TTLs from config.
func New(cfg config.IdempotencyConfig) *Cache {
	cleanup := cfg.CleanupInterval.Std()
	return &Cache{
		layers: map[Layer]*gocache.Cache{
			LayerRequest: gocache.New(cfg.RequestTTL.Std(), cleanup),
			LayerTurn:    gocache.New(cfg.TurnTTL.Std(), cleanup),
			LayerAction:  gocache.New(cfg.ActionTTL.Std(), cleanup),
		},
	}
}

// Get returns the cached result for a key, if present and unexpired.
func (c *Cache) Get(layer Layer, key string) (any, bool) {
	v, found := c.layers[layer].Get(key)
	if found {
		logging.Idempotency("%s hit: %s", layer, key)
	}
	return v, found
}

// Set records a result under the layer's default TTL.
func (c *Cache) Set(layer Layer, key string, result any) {
	c.layers[layer].Set(key, result, gocache.DefaultExpiration)
}

// SetWithTTL records a result with an explicit TTL, overriding the layer
// default.
func (c *Cache) SetWithTTL(layer Layer, key string, result any, ttl time.Duration) {
	c.layers[layer].Set(key, result, ttl)
}

// Do executes fn once per key: a cached result short-circuits, and
// concurrent in-process callers for the same key share one execution.
// cached=true means fn was not invoked for this call.
func (c *Cache) Do(layer Layer, key string, fn func() (any, error)) (result any, cached bool, err error) {
	if v, found := c.Get(layer, key); found {
		return v, true, nil
	}

	flightKey := string(layer) + "\x00" + key
	shared := false
	v, err, _ := c.group.Do(flightKey, func() (any, error) {
		if v, found := c.Get(layer, key); found {
			shared = true
			return v, nil
		}
		out, err := fn()
		if err != nil {
			return nil, err
		}
		c.Set(layer, key, out)
		return out, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, shared, nil
}

// RequestKey builds the REQUEST-layer key from the tenant and the
// client-supplied idempotency token.
func RequestKey(tenant, token string) string {
	return tenant + ":" + token
}

// TurnKey builds the TURN-layer key: tenant, session, and a digest of the
// sorted accumulated message ids. Identical accumulations collide no matter
// the arrival interleaving.
func TurnKey(tenant string, key types.SessionKey, messageIDs []string) string {
	ids := append([]string(nil), messageIDs...)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return fmt.Sprintf("%s:%s:%s", tenant, key.String(), hex.EncodeToString(sum[:]))
}

// ActionKey builds the ACTION-layer key. It embeds the turn group, not the
// turn id: a SUPERSEDE/ABSORB chain shares the group and so converges on
// one execution, while a QUEUE transition mints a new group and may
// legitimately re-execute the same business action.
func ActionKey(action, businessKey, turnGroupID string) string {
	return types.ActionExecutionContext{TurnGroupID: turnGroupID}.IdempotencyKey(action, businessKey)
}
