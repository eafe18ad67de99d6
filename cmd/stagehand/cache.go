package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/srszzw/stagehand-glm/cache"
	"github.com/srszzw/stagehand-glm/config"
)

// =============================================================================
// 💾 cache 命令
// =============================================================================

// runCache 执行 cache 子命令，返回进程退出码。
func runCache(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "cache: missing subcommand")
		printUsage()
		return 1
	}

	sub := args[0]
	fs := flag.NewFlagSet("cache "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	cachePath := fs.String("cache", "", "Override cache file path")
	expiredOnly := fs.Bool("expired-only", false, "Only remove expired entries (clear)")

	// 位置参数（export/import 的文件名、search 的查询词）放在子命令后
	var positional []string
	rest := args[1:]
	for len(rest) > 0 && rest[0] != "" && rest[0][0] != '-' {
		positional = append(positional, rest[0])
		rest = rest[1:]
	}
	fs.Parse(rest)

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *cachePath != "" {
		cfg.Cache.Path = *cachePath
	}

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	coord, err := buildCoordinator(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open cache: %v\n", err)
		return 1
	}
	defer coord.Close()

	ctx := context.Background()

	switch sub {
	case "stats":
		return cacheStats(ctx, coord)
	case "list":
		return cacheList(ctx, coord)
	case "clear":
		return cacheClear(ctx, coord, *expiredOnly, cfg.Cache.TTL)
	case "export":
		if len(positional) < 1 {
			fmt.Fprintln(os.Stderr, "cache export: missing output file")
			return 1
		}
		return cacheExport(ctx, coord, positional[0])
	case "import":
		if len(positional) < 1 {
			fmt.Fprintln(os.Stderr, "cache import: missing input file")
			return 1
		}
		return cacheImport(ctx, coord, positional[0])
	case "search":
		if len(positional) < 1 {
			fmt.Fprintln(os.Stderr, "cache search: missing query")
			return 1
		}
		return cacheSearch(ctx, coord, positional[0])
	default:
		fmt.Fprintf(os.Stderr, "Unknown cache subcommand: %s\n", sub)
		return 1
	}
}

// buildCoordinator 按配置组装存储与校验器。
func buildCoordinator(cfg *config.Config, logger *zap.Logger) (*cache.Coordinator, error) {
	storeCfg := cache.StoreConfig{
		Type:       cache.StoreType(cfg.Cache.Backend),
		Path:       cfg.Cache.Path,
		SQLitePath: cfg.Cache.SQLitePath,
		Redis: cache.RedisStoreConfig{
			Addr:      cfg.Cache.Redis.Addr,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			KeyPrefix: cfg.Cache.Redis.KeyPrefix,
			PoolSize:  cfg.Cache.Redis.PoolSize,
		},
	}

	store, err := cache.NewStore(storeCfg, logger)
	if err != nil {
		return nil, err
	}

	var strategy cache.CompareStrategy
	if cfg.Cache.Strategy == "adaptive" {
		strategy = cache.AdaptiveStrategy{}
	} else {
		strategy = cache.StrictStrategy{}
	}

	validator := cache.NewValidator(cfg.Cache.TTL, strategy, logger)
	return cache.NewCoordinator(store, validator, logger), nil
}

func cacheStats(ctx context.Context, coord *cache.Coordinator) int {
	stats, err := coord.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read stats: %v\n", err)
		return 1
	}

	fmt.Println("Cache statistics")
	fmt.Printf("  backend:         %s\n", stats.Backend)
	fmt.Printf("  version:         %s\n", stats.Version)
	fmt.Printf("  selector caches: %d\n", stats.TotalEntries)
	fmt.Printf("  agent caches:    %d\n", stats.AgentEntries)
	fmt.Printf("  memory caches:   %d\n", stats.MemoryEntries)
	fmt.Printf("  total hits:      %d\n", stats.TotalHits)
	return 0
}

func cacheList(ctx context.Context, coord *cache.Coordinator) int {
	entries, err := coord.Entries(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list cache: %v\n", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Println("Cache is empty")
		return 0
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		e := entries[key]
		fmt.Printf("%s\n", key)
		fmt.Printf("  instruction: %s\n", e.Instruction)
		fmt.Printf("  url:         %s\n", e.PageURL)
		fmt.Printf("  selector:    %s\n", e.Result.Selector)
		fmt.Printf("  created:     %s  hits: %d\n", e.CreatedAt.Format(time.RFC3339), e.HitCount)
	}
	fmt.Printf("\n%d entries\n", len(entries))
	return 0
}

func cacheClear(ctx context.Context, coord *cache.Coordinator, expiredOnly bool, ttl time.Duration) int {
	count, err := coord.Evict(ctx, expiredOnly, ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to clear cache: %v\n", err)
		return 1
	}
	if expiredOnly {
		fmt.Printf("Removed %d expired entries\n", count)
	} else {
		fmt.Printf("Removed %d entries\n", count)
	}
	return 0
}

func cacheExport(ctx context.Context, coord *cache.Coordinator, path string) int {
	f, err := os.Create(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create %s: %v\n", path, err)
		return 1
	}
	defer f.Close()

	if err := coord.Export(ctx, f); err != nil {
		fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
		return 1
	}
	fmt.Printf("Cache exported to %s\n", path)
	return 0
}

func cacheImport(ctx context.Context, coord *cache.Coordinator, path string) int {
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open %s: %v\n", path, err)
		return 1
	}
	defer f.Close()

	report, err := coord.Import(ctx, f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Import failed: %v\n", err)
		return 1
	}
	fmt.Printf("Imported %d entries (%d kept local, %d skipped)\n",
		report.Imported, report.Conflict, report.Skipped)
	return 0
}

func cacheSearch(ctx context.Context, coord *cache.Coordinator, query string) int {
	results, err := coord.Search(ctx, query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		return 1
	}
	if len(results) == 0 {
		fmt.Printf("No entries matching %q\n", query)
		return 0
	}

	for _, r := range results {
		fmt.Printf("%s\n", r.Key)
		fmt.Printf("  instruction: %s\n", r.Entry.Instruction)
		fmt.Printf("  url:         %s\n", r.Entry.PageURL)
		fmt.Printf("  description: %s\n", r.Entry.Result.Description)
	}
	fmt.Printf("\n%d matches\n", len(results))
	return 0
}
