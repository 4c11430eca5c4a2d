// Copyright (C) 2025 Pocketsage Labs (oss@pocketsage.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// queryctl exercises the query-understanding pipeline from the command line.
//
// The resolve command runs a single utterance through the full chain —
// topic-focus shaping, referential resolution, intent routing, slot
// extraction — and prints the resolved query as JSON. The cache command
// inspects the persisted embedding-vector cache.
//
// Usage:
//
//	queryctl resolve "top 3 categories this month"
//	queryctl resolve --offline "how much did I spend"
//	queryctl cache dump --dir ~/.pocketsage/cache/query
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"

	"github.com/pocketsage/pocketsage/services/query"
	"github.com/pocketsage/pocketsage/services/query/config"
	"github.com/pocketsage/pocketsage/services/query/conversation"
	"github.com/pocketsage/pocketsage/services/query/providers"
	"github.com/pocketsage/pocketsage/services/query/routing"
	"github.com/pocketsage/pocketsage/services/query/slots"
	badgerstore "github.com/pocketsage/pocketsage/services/query/storage/badger"
)

// vectorCacheKeyPrefix must match the routing package's storage layout.
const vectorCacheKeyPrefix = "query/emb/v1/"

var (
	configPath string
	cacheDir   string
	offline    bool
)

func main() {
	root := &cobra.Command{
		Use:   "queryctl",
		Short: "Exercise the query-understanding pipeline",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Override configuration file (YAML)")

	resolveCmd := &cobra.Command{
		Use:   "resolve [utterance...]",
		Short: "Resolve one utterance through the full pipeline",
		Args:  cobra.MinimumNArgs(1),
		Run:   runResolve,
	}
	resolveCmd.Flags().StringVar(&cacheDir, "cache-dir", "", "BadgerDB directory for vector and conversation persistence (default: in-memory)")
	resolveCmd.Flags().BoolVar(&offline, "offline", false, "Skip the embedding and classifier providers (rules + default only)")

	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the persisted caches",
	}
	dumpCmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the embedding-vector cache entries",
		Run:   runCacheDump,
	}
	dumpCmd.Flags().StringVar(&cacheDir, "dir", "", "BadgerDB directory (required)")
	_ = dumpCmd.MarkFlagRequired("dir")
	cacheCmd.AddCommand(dumpCmd)

	root.AddCommand(resolveCmd, cacheCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig returns the override file when given, the embedded defaults
// otherwise.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Default()
}

func runResolve(_ *cobra.Command, args []string) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	utterance := strings.Join(args, " ")

	cfg, err := loadConfig()
	if err != nil {
		fatalf("load config: %v", err)
	}

	dbCfg := badgerstore.InMemoryConfig()
	if cacheDir != "" {
		dbCfg = badgerstore.Config{Dir: cacheDir}
	}
	dbCfg.Logger = logger
	db, err := badgerstore.OpenDB(dbCfg)
	if err != nil {
		fatalf("open cache db: %v", err)
	}
	defer func() { _ = db.Close() }()

	rules := make([]routing.RulePattern, len(cfg.Rules))
	for i, r := range cfg.Rules {
		rules[i] = routing.RulePattern{Pattern: r.Pattern, Intent: r.Intent}
	}
	ruleMatcher, err := routing.NewRuleMatcher(rules, cfg.Router.RuleConfidence, logger)
	if err != nil {
		fatalf("build rule matcher: %v", err)
	}

	intents := make([]routing.CanonicalIntent, len(cfg.Intents))
	for i, in := range cfg.Intents {
		intents[i] = routing.CanonicalIntent{Key: in.Key, Examples: in.Examples}
	}

	embedder := providers.NewOllamaEmbedder(logger)
	store := routing.NewBadgerVectorStore(db, 0, logger)
	semantic := routing.NewSemanticMatcher(embedder, intents, store, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	var fallback *routing.FallbackClassifier
	if !offline {
		if err := semantic.Warm(ctx); err != nil {
			logger.Warn("semantic warm-up failed, continuing without it", slog.String("error", err.Error()))
		}
		classifier, err := providers.NewOllamaClassifier(logger)
		if err != nil {
			logger.Warn("classifier unavailable, continuing without it", slog.String("error", err.Error()))
		} else {
			fallback = routing.NewFallbackClassifier(classifier, cfg.Router.ClassifierThreshold, logger)
		}
	}

	router := routing.NewHybridIntentRouter(routing.RouterParams{
		Rules:              ruleMatcher,
		Semantic:           semantic,
		Fallback:           fallback,
		Labels:             cfg.IntentKeys(),
		DefaultIntent:      cfg.Router.DefaultIntent,
		DefaultConfidence:  cfg.Router.DefaultConfidence,
		EmbeddingThreshold: cfg.Router.EmbeddingThreshold,
		MaxUtteranceLen:    cfg.Router.MaxUtteranceLen,
		Logger:             logger,
	})

	extractor := slots.NewExtractor(slots.Config{Categories: cfg.Categories})

	conv := conversation.NewManager(conversation.ManagerParams{
		Store:       conversation.NewBadgerKVStore(db),
		Lookup:      staticLookup{},
		FocusWindow: cfg.Router.FocusWindow,
		Logger:      logger,
	})
	if _, err := conv.Restore(ctx); err != nil {
		logger.Warn("conversation restore failed", slog.String("error", err.Error()))
	}

	processor := query.NewProcessor(query.ProcessorParams{
		Router:    router,
		Extractor: extractor,
		Conv:      conv,
		Logger:    logger,
	})

	resolved, err := processor.ResolveQuery(ctx, utterance, nil)
	if err != nil {
		fatalf("resolve: %v", err)
	}

	out, err := json.MarshalIndent(resolved, "", "  ")
	if err != nil {
		fatalf("encode result: %v", err)
	}
	fmt.Println(string(out))
}

// runCacheDump opens the vector cache read-only and prints a summary of the
// entries under the embedding key prefix.
func runCacheDump(_ *cobra.Command, _ []string) {
	if _, err := os.Stat(cacheDir); os.IsNotExist(err) {
		fmt.Println("Cache directory does not exist; nothing has been persisted yet.")
		return
	}

	opts := dgbadger.DefaultOptions(cacheDir).
		WithLogger(nil).
		WithReadOnly(true)
	db, err := dgbadger.Open(opts)
	if err != nil {
		fatalf("open cache db at %s: %v", cacheDir, err)
	}
	defer func() { _ = db.Close() }()

	count := 0
	err = db.View(func(txn *dgbadger.Txn) error {
		it := txn.NewIterator(dgbadger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(vectorCacheKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			count++

			key := string(item.Key())
			fmt.Printf("[%d] %s\n", count, key)
			fmt.Printf("    Corpus hash: %s\n", strings.TrimPrefix(key, vectorCacheKeyPrefix))

			if expiresAt := item.ExpiresAt(); expiresAt > 0 {
				remaining := time.Until(time.Unix(int64(expiresAt), 0))
				if remaining < 0 {
					fmt.Printf("    TTL:         EXPIRED (%s ago)\n", (-remaining).Round(time.Second))
				} else {
					fmt.Printf("    TTL:         %s remaining\n", remaining.Round(time.Second))
				}
			} else {
				fmt.Printf("    TTL:         no expiry set\n")
			}
			fmt.Printf("    Size:        %d bytes\n", item.EstimatedSize())
		}
		return nil
	})
	if err != nil {
		fatalf("read cache db: %v", err)
	}

	if count == 0 {
		fmt.Println("No embedding-cache entries found; the semantic warm-up has not persisted vectors yet.")
		return
	}
	fmt.Printf("\n%d entr%s in %s\n", count, plural(count, "y", "ies"), cacheDir)
}

// staticLookup serves a small demo catalogue so referential substitution has
// names to resolve when queryctl runs standalone.
type staticLookup struct{}

func (staticLookup) AllCategories(context.Context) ([]conversation.Category, error) {
	return []conversation.Category{
		{ID: "cat-groceries", Name: "Groceries"},
		{ID: "cat-dining", Name: "Dining"},
		{ID: "cat-transport", Name: "Transport"},
	}, nil
}

func (staticLookup) AllBudgets(context.Context) ([]conversation.Budget, error) {
	return []conversation.Budget{
		{ID: "bud-monthly", Name: "Monthly Essentials"},
	}, nil
}

// plural returns singular or plural suffix based on count.
func plural(n int, singular, pluralSuffix string) string {
	if n == 1 {
		return singular
	}
	return pluralSuffix
}

// fatalf prints to stderr and exits 1.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "queryctl: "+format+"\n", args...)
	os.Exit(1)
}
