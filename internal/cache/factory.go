package cache

import (
	"fmt"
	"strings"

	"github.com/Gravitate-Health/focusing-manager-sub000/internal/config"
	"github.com/Gravitate-Health/focusing-manager-sub000/internal/logging"
)

// Build constructs the cache hierarchy described by the configured backend
// string. Tokens are separated by '<' and read left-to-right as outermost to
// innermost, so "memory<redis" is a memory L1 over a redis L2. Construction
// runs right-to-left: the rightmost token becomes the innermost L2.
func Build(cfg *config.Config, logger logging.Logger) (Store, error) {
	tokens := strings.Split(cfg.CacheBackend, "<")
	if len(tokens) == 0 {
		return NewNoop(), nil
	}

	var inner Store
	for i := len(tokens) - 1; i >= 0; i-- {
		store, err := buildOne(strings.TrimSpace(tokens[i]), cfg, logger)
		if err != nil {
			return nil, err
		}
		if inner == nil {
			inner = store
			continue
		}
		inner = NewComposite(store, inner, cfg.CacheTTL, logger)
	}
	return inner, nil
}

func buildOne(token string, cfg *config.Config, logger logging.Logger) (Store, error) {
	switch token {
	case "", "none", "noop":
		return NewNoop(), nil
	case "memory", "mem":
		return NewMemory(cfg.CacheSchemaVersion, cfg.CacheMaxItems, logger)
	case "redis", "distributed":
		return NewRedisFromURL(cfg.RedisURL, cfg.CacheSchemaVersion, cfg.CacheCompress, logger)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", token)
	}
}
