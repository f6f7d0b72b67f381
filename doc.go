// Package keel provides lifecycle and shared-resource management for
// long-running service backends, originally built for an AI-assisted
// development environment: one process hosting storage, model clients,
// file watchers, and outbound integrations that must start in order,
// share bounded resources, and shut down cleanly.
//
// # Architecture
//
// Keel is organized around a phased lifecycle manager and a set of
// shared-resource primitives the managed services build on:
//
//	┌─────────────────────────────────────┐
//	│        Lifecycle Manager            │  phased startup,
//	│ (register, start, get, reset, stop) │  failure caching
//	└─────────────────────────────────────┘
//	           ↓ initializes
//	┌─────────────────────────────────────┐
//	│           Services                  │  storage, ai,
//	│  (constructor + Start/Stop/Health)  │  watcher, webhook
//	└─────────────────────────────────────┘
//	           ↓ built on
//	┌─────────────────────────────────────┐
//	│     Shared Primitives               │  pool, cache, lazy,
//	│ (bounded, observable, concurrent)   │  ratelimit, retry, task
//	└─────────────────────────────────────┘
//
// Services declare a startup phase and their dependencies. The manager
// starts each phase in parallel, refuses dependency cycles by requiring
// dependencies to live in earlier phases, caches initialization failures
// until an explicit reset, and stops everything in reverse order.
//
// # Framework Packages
//
// Lifecycle:
//   - service: service interface, registration, phased manager
//   - task: supervised background goroutines with guaranteed cleanup
//   - event: in-process publish/subscribe for lifecycle notifications
//   - health: per-component health reporting and aggregation
//
// Shared primitives:
//   - pkg/pool: generic bounded resource pool with leases
//   - pkg/cache: TTL + LRU cache with eviction callbacks
//   - pkg/lazy: double-checked lazy initialization cells
//   - pkg/ratelimit: keyed token-bucket rate limiting
//   - pkg/retry: exponential backoff retry policies
//
// Infrastructure:
//   - config: JSON configuration with defaults and validation
//   - metric: Prometheus metrics registry and scrape endpoint
//   - errors: classified error handling (transient, invalid, fatal)
//
// Built-in services:
//   - services: storage (SQLite), ai (OpenAI-compatible client),
//     watcher (filesystem events), webhook (outbound notifications)
//
// # Usage
//
// Basic setup:
//
//	cfg, _ := config.Load("config.json")
//	manager := service.NewManager(cfg,
//	    service.WithLogger(logger),
//	    service.WithMetrics(metric.NewRegistry()),
//	)
//
//	manager.Register(service.Descriptor{
//	    Name:      "storage",
//	    Phase:     1,
//	    Config:    cfg.Services["storage"],
//	    Construct: services.NewStorage,
//	})
//
//	if err := manager.Start(ctx); err != nil {
//	    // a required service failed; later phases were not started
//	}
//
//	svc, _ := manager.Get(ctx, "storage")
//
// Services resolve each other the same way through Manager.Get, which
// applies identical lazy-initialization and failure-caching rules no
// matter who asks or when.
//
// # Binary
//
// keeld hosts the built-in services:
//
//	./bin/keeld --config=/etc/keel/config.json
//	./bin/keeld --config=/etc/keel/config.json --validate
//
// The daemon registers every built-in service that has a block in the
// configuration's services section and runs until SIGINT or SIGTERM.
package keel
