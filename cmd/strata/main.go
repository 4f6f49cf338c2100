// Command strata is the command-line interface to the tiered memory engine.
// It brings up the configured store fleet, runs one subcommand against the
// engine, and shuts the fleet down again.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/stratamem/strata/internal/cache"
	"github.com/stratamem/strata/internal/config"
	"github.com/stratamem/strata/internal/connections"
	"github.com/stratamem/strata/internal/engine"
	"github.com/stratamem/strata/internal/importer"
	"github.com/stratamem/strata/internal/stats"
	"github.com/stratamem/strata/internal/storage"
	"github.com/stratamem/strata/pkg/types"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("strata: ")

	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}
	command, rest := args[0], args[1:]
	if command == "help" {
		usage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := openManager(ctx)
	if err != nil {
		log.Fatalf("%v", err)
	}

	runErr := dispatch(ctx, m, command, rest)

	if err := m.Close(); err != nil {
		log.Printf("close: %v", err)
	}
	if runErr != nil {
		log.Fatalf("%v", runErr)
	}
}

func dispatch(ctx context.Context, m *engine.Manager, command string, args []string) error {
	switch command {
	case "store":
		return runStore(ctx, m, args, os.Stdout)
	case "get":
		return runGet(ctx, m, args, os.Stdout)
	case "search":
		return runSearch(ctx, m, args, os.Stdout)
	case "delete":
		return runDelete(ctx, m, args, os.Stdout)
	case "import":
		return runImport(ctx, m, args, os.Stdout)
	case "layer":
		return runLayer(ctx, m, args, os.Stdout)
	case "stats":
		return runStats(m, args, os.Stdout)
	case "stores":
		return runStores(m, os.Stdout)
	case "clear":
		return runClear(ctx, m, os.Stdout)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// openManager loads configuration and brings up the fleet, the registry and
// the engine.
func openManager(ctx context.Context) (*engine.Manager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	adapters, layers, err := connections.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	registry, err := storage.NewRegistry(adapters, layers)
	if err != nil {
		connections.CloseAll(adapters)
		return nil, fmt.Errorf("build registry: %w", err)
	}

	m, err := engine.NewManager(registry, engine.Config{
		TierCapacities: cfg.Cache.TierCapacities,
		QueryCacheSize: cfg.Cache.QueryCacheSize,
		HistorySize:    cfg.Cache.HistorySize,
	}, nil)
	if err != nil {
		registry.CloseAll()
		return nil, fmt.Errorf("start engine: %w", err)
	}
	return m, nil
}

func runStore(ctx context.Context, m *engine.Manager, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("store", flag.ContinueOnError)
	fs.SetOutput(out)
	typeFlag := fs.String("type", string(types.MemoryTypeContext), "memory type to store under")
	idFlag := fs.String("id", "", "item id (omitted: a new id is generated)")
	meta := metaPairs{}
	fs.Var(meta, "meta", "metadata entry as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	content := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if content == "" {
		return fmt.Errorf("store: content is required")
	}

	item := &types.MemoryItem{
		ID:         *idFlag,
		Content:    content,
		MemoryType: types.MemoryType(strings.ToUpper(strings.TrimSpace(*typeFlag))),
	}
	if len(meta) > 0 {
		item.Metadata = meta
	}

	id, err := m.Store(ctx, item)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, id)
	return nil
}

func runGet(ctx context.Context, m *engine.Manager, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(out)
	asJSON := fs.Bool("json", false, "print the item as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("get: exactly one id is required")
	}

	item, err := m.Retrieve(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(out, item)
	}
	printItem(out, item)
	return nil
}

func runSearch(ctx context.Context, m *engine.Manager, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	fs.SetOutput(out)
	strategyFlag := fs.String("strategy", "", "direct, cross, cascading, federated or context_aware (default cascading)")
	storeFlag := fs.String("store", "", "store name for the direct strategy")
	limitFlag := fs.Int("limit", 0, "maximum results (default 10, max 100)")
	asJSON := fs.Bool("json", false, "print grouped results as JSON")
	var typeFilter typeList
	fs.Var(&typeFilter, "type", "restrict to a memory type (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	strategy, err := engine.ParseStrategy(*strategyFlag)
	if err != nil {
		return err
	}

	query := storage.Query{
		Text:  strings.TrimSpace(strings.Join(fs.Args(), " ")),
		Types: typeFilter,
		Limit: *limitFlag,
	}
	res, err := m.Search(ctx, query, engine.SearchOptions{Strategy: strategy, Store: *storeFlag})
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(out, res)
	}

	if len(res.Combined) == 0 {
		fmt.Fprintln(out, "no results")
	}
	for _, rec := range res.Combined {
		sim := ""
		if rec.Similarity != nil {
			sim = fmt.Sprintf("  (%.3f)", *rec.Similarity)
		}
		fmt.Fprintf(out, "%-12s %-36s %s%s\n", rec.Source, rec.Item.ID, snippet(rec.Item.Content), sim)
	}
	for _, failure := range res.Failed {
		fmt.Fprintf(out, "store %s failed: %s\n", failure.Store, failure.Err)
	}
	return nil
}

func runDelete(ctx context.Context, m *engine.Manager, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	fs.SetOutput(out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("delete: exactly one id is required")
	}

	removed, err := m.Delete(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, fs.Arg(0))
	}
	fmt.Fprintf(out, "deleted %s\n", fs.Arg(0))
	return nil
}

func runImport(ctx context.Context, m *engine.Manager, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(out)
	typeFlag := fs.String("type", string(types.MemoryTypeDocumentation), "memory type for notes that do not declare one")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("import: at least one file or directory is required")
	}

	opts := importer.Options{DefaultType: types.MemoryType(strings.ToUpper(strings.TrimSpace(*typeFlag)))}
	for _, path := range fs.Args() {
		res, err := importer.Import(ctx, m, path, opts)
		if err != nil {
			return fmt.Errorf("import %s: %w", path, err)
		}
		fmt.Fprintf(out, "%s: stored %d of %d (skipped %d, failed %d)\n",
			path, res.Stored, res.FilesFound, res.Skipped, res.Failed)
		for _, line := range res.Errors {
			fmt.Fprintf(out, "  %s\n", line)
		}
	}
	return nil
}

func runLayer(ctx context.Context, m *engine.Manager, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("layer", flag.ContinueOnError)
	fs.SetOutput(out)
	asJSON := fs.Bool("json", false, "print the items as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("layer: exactly one layer name is required (short_term, episodic, semantic)")
	}

	items, err := m.GetItemsByLayer(ctx, types.Layer(fs.Arg(0)))
	if err != nil {
		return err
	}
	if *asJSON {
		return printJSON(out, items)
	}

	if len(items) == 0 {
		fmt.Fprintf(out, "no items in layer %s\n", fs.Arg(0))
		return nil
	}
	for _, item := range items {
		fmt.Fprintf(out, "%-36s %-13s %s\n", item.ID, item.MemoryType, snippet(item.Content))
	}
	return nil
}

func runStats(m *engine.Manager, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(out)
	asJSON := fs.Bool("json", false, "print statistics as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cacheStats := m.CacheStats()
	adapterStats := m.AdapterStats()
	if *asJSON {
		return printJSON(out, struct {
			Cache    cache.Stats                      `json:"cache"`
			Adapters map[string]stats.AdapterCounters `json:"adapters"`
		}{cacheStats, adapterStats})
	}

	fmt.Fprintf(out, "Cache hit ratio: %.3f\n", cacheStats.HitRatio)
	for i, tier := range cacheStats.Tiers {
		fmt.Fprintf(out, "  L%d: %d/%d items, %d hits, %d misses, %d evictions, %d writes\n",
			i+1, tier.Size, tier.Capacity, tier.Hits, tier.Misses, tier.Evictions, tier.Writes)
	}

	names := make([]string, 0, len(adapterStats))
	for name := range adapterStats {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(out, "Stores:")
	for _, name := range names {
		c := adapterStats[name]
		fmt.Fprintf(out, "  %-12s reads %d, writes %d, deletes %d, searches %d, failures %d\n",
			name, c.Reads, c.Writes, c.Deletes, c.Searches, c.Failures)
	}
	return nil
}

func runStores(m *engine.Manager, out io.Writer) error {
	for _, name := range m.Stores() {
		fmt.Fprintln(out, name)
	}
	return nil
}

func runClear(ctx context.Context, m *engine.Manager, out io.Writer) error {
	if err := m.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "cache cleared")
	return nil
}

func printItem(out io.Writer, item *types.MemoryItem) {
	fmt.Fprintf(out, "ID:      %s\n", item.ID)
	fmt.Fprintf(out, "Type:    %s\n", item.MemoryType)
	fmt.Fprintf(out, "Version: %d\n", item.Version)
	fmt.Fprintf(out, "Created: %s\n", item.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Updated: %s\n", item.UpdatedAt.Format(time.RFC3339))

	keys := make([]string, 0, len(item.Metadata))
	for k := range item.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(out, "Meta:    %s=%s\n", k, item.Metadata[k])
	}

	fmt.Fprintf(out, "\n%s\n", item.Content)
}

func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// snippet reduces content to its first line, truncated for table output.
func snippet(content string) string {
	if i := strings.IndexByte(content, '\n'); i >= 0 {
		content = content[:i]
	}
	const max = 72
	if len(content) > max {
		return content[:max-3] + "..."
	}
	return content
}

// typeList collects repeated -type flags into a memory type filter.
type typeList []types.MemoryType

func (l *typeList) String() string {
	parts := make([]string, len(*l))
	for i, t := range *l {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}

func (l *typeList) Set(v string) error {
	mt := types.MemoryType(strings.ToUpper(strings.TrimSpace(v)))
	if !types.IsValidMemoryType(mt) {
		return fmt.Errorf("unknown memory type %q", v)
	}
	*l = append(*l, mt)
	return nil
}

// metaPairs collects repeated -meta key=value flags.
type metaPairs map[string]string

func (p metaPairs) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + p[k]
	}
	return strings.Join(parts, ",")
}

func (p metaPairs) Set(v string) error {
	key, value, ok := strings.Cut(v, "=")
	if !ok || key == "" {
		return fmt.Errorf("metadata must be key=value, got %q", v)
	}
	p[key] = value
	return nil
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: strata <command> [flags] [args]

Commands:
  store    Store content as a memory item
  get      Retrieve a memory item by id
  search   Search across the configured stores
  delete   Delete a memory item by id
  import   Bulk-load Markdown notes as memory items
  layer    List the items held by a memory layer
  stats    Show cache tier and store statistics
  stores   List the configured stores
  clear    Drop every cache tier (durable stores are untouched)

Environment:
  STRATA_DATA_PATH         Data directory for embedded stores (default ./data)
  STRATA_MANIFEST          YAML fleet manifest replacing the default stores
  STRATA_TIER_CAPACITIES   Cache tier sizes, fastest first (default 64,512)
  STRATA_REDIS_URL         Attach a redis store to the default fleet
  STRATA_POSTGRES_DSN      Attach a postgres store to the default fleet

Run "strata <command> -h" for command flags.
`)
}
