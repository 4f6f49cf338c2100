// Package connections turns a fleet manifest into live storage adapters.
// It owns driver construction and the cleanup of half-open fleets; once the
// adapters reach a registry, the registry owns closing them.
package connections

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/stratamem/strata/internal/config"
	"github.com/stratamem/strata/internal/guard"
	"github.com/stratamem/strata/internal/storage"
	"github.com/stratamem/strata/internal/storage/chromem"
	"github.com/stratamem/strata/internal/storage/memstore"
	"github.com/stratamem/strata/internal/storage/postgres"
	"github.com/stratamem/strata/internal/storage/redisstore"
	"github.com/stratamem/strata/internal/storage/sqlite"
	"github.com/stratamem/strata/pkg/types"
)

// Open builds every store the manifest declares, in declaration order, and
// wraps the guarded ones. The returned slice feeds storage.NewRegistry and
// the layer map comes ready for it. When any store fails to open, the ones
// already opened are closed before the error returns.
func Open(ctx context.Context, cfg *config.Config) ([]storage.Adapter, map[types.Layer]string, error) {
	adapters := make([]storage.Adapter, 0, len(cfg.Manifest.Adapters))
	for _, spec := range cfg.Manifest.Adapters {
		adapter, err := openStore(ctx, spec, cfg.Storage.EmbedDim)
		if err != nil {
			CloseAll(adapters)
			return nil, nil, err
		}
		if spec.Guard != nil {
			adapter = guard.Wrap(adapter, guardOptions(spec.Guard))
		}
		adapters = append(adapters, adapter)
	}
	return adapters, cfg.Manifest.LayerMap(), nil
}

// openStore constructs a single store from its spec.
func openStore(ctx context.Context, spec config.AdapterSpec, embedDim int) (storage.Adapter, error) {
	switch spec.Driver {
	case config.DriverMemory:
		return memstore.New(spec.Name), nil

	case config.DriverSQLite:
		// Plain file paths need their parent directory; file: DSNs are
		// passed through untouched.
		if !strings.HasPrefix(spec.Path, "file:") {
			if dir := filepath.Dir(spec.Path); dir != "" && dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("connections: create data dir for %q: %w", spec.Name, err)
				}
			}
		}
		store, err := sqlite.NewNamed(spec.Name, spec.Path)
		if err != nil {
			return nil, fmt.Errorf("connections: open sqlite store %q: %w", spec.Name, err)
		}
		return store, nil

	case config.DriverChromem:
		store, err := chromem.New(chromem.Config{
			Name:     spec.Name,
			Path:     spec.Path,
			Embedder: chromem.NewHashEmbedder(embedDim),
		})
		if err != nil {
			return nil, fmt.Errorf("connections: open chromem store %q: %w", spec.Name, err)
		}
		return store, nil

	case config.DriverRedis:
		store, err := redisstore.New(ctx, redisstore.Config{
			URL:  spec.URL,
			Name: spec.Name,
			TTL:  spec.TTLDuration(),
		})
		if err != nil {
			return nil, fmt.Errorf("connections: open redis store %q: %w", spec.Name, err)
		}
		return store, nil

	case config.DriverPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      spec.DSN,
			Name:     spec.Name,
			Embedder: chromem.NewHashEmbedder(embedDim),
		})
		if err != nil {
			return nil, fmt.Errorf("connections: open postgres store %q (DSN: %s): %w",
				spec.Name, config.SanitizeDSN(spec.DSN), err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("connections: %w: unsupported driver %q for store %q",
			storage.ErrInvalidInput, spec.Driver, spec.Name)
	}
}

// CloseAll closes the given stores, logging failures. It is for fleets that
// never made it into a registry.
func CloseAll(adapters []storage.Adapter) {
	for _, adapter := range adapters {
		if err := adapter.Close(); err != nil {
			log.Printf("connections: close %s: %v", adapter.Name(), err)
		}
	}
}

// guardOptions maps a manifest guard spec onto the decorator's options.
func guardOptions(g *config.GuardSpec) guard.Options {
	return guard.Options{
		Timeout:       g.TimeoutDuration(),
		RatePerSecond: g.Rate,
		Burst:         g.Burst,
		MaxFailures:   uint32(g.MaxFailures),
		CoolDown:      g.CoolDownDuration(),
	}
}
