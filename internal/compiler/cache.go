package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/loomworks/loom/internal/credential"
	"github.com/loomworks/loom/internal/workflow"
)

// DefaultCacheSize bounds the number of cached plans.
const DefaultCacheSize = 256

// Cache memoizes compilation. Compiling the same definition with the same
// credential set is deterministic, so cache hits are sound.
type Cache struct {
	compiler *Compiler
	plans    *lru.Cache[string, *Plan]
}

// NewCache wraps a compiler with an LRU of compiled plans.
func NewCache(c *Compiler, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	plans, err := lru.New[string, *Plan](size)
	if err != nil {
		return nil, err
	}
	return &Cache{compiler: c, plans: plans}, nil
}

// Compile returns a cached plan when definition and credential set are
// unchanged, compiling otherwise.
func (c *Cache) Compile(def *workflow.Definition, creds []*credential.Credential) (*Plan, error) {
	key, ok := cacheKey(def, creds)
	if ok {
		if plan, hit := c.plans.Get(key); hit {
			return plan, nil
		}
	}
	plan, err := c.compiler.Compile(def, creds)
	if err != nil {
		return nil, err
	}
	if ok {
		c.plans.Add(key, plan)
	}
	return plan, nil
}

func cacheKey(def *workflow.Definition, creds []*credential.Credential) (string, bool) {
	raw, err := json.Marshal(def)
	if err != nil {
		return "", false
	}
	ids := make([]string, 0, len(creds))
	for _, cr := range creds {
		ids = append(ids, cr.ID+":"+cr.Type)
	}
	sort.Strings(ids)
	sum := sha256.New()
	sum.Write(raw)
	for _, id := range ids {
		sum.Write([]byte(id))
	}
	return hex.EncodeToString(sum.Sum(nil)), true
}
