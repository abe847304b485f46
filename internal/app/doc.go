// Package app wires the license gateway, the attack pattern engine and the
// HTTP surface into a single runnable application.
//
// # Initialization Flow
//
//	1. Load configuration from the GUARD_ environment
//	2. Initialize logging and OpenTelemetry
//	3. Connect Redis and Postgres when configured, otherwise use in-process state
//	4. Build the gateway, entitlements, health checks and attack engine
//	5. Attach violation sinks (log, Kafka, websocket stream)
//	6. Assemble the chi router and middleware chain
//
// # Usage
//
//	a, err := app.NewApplication(ctx)
//	if err != nil {
//	    return err
//	}
//	return a.Run(ctx)
//
// Tests and embedders that already hold a configuration call New and drive
// Start and Stop directly.
//
// # Seeding
//
// Without a database URL the license store lives in memory. A YAML seed
// file (GUARD_DATABASE_SEED_FILE) can preload tenant entitlements, tokens
// and usage counters; see LoadSeed.
//
// # Graceful Shutdown
//
// Run stops on SIGINT, SIGTERM or context cancellation. In-flight requests
// drain within the configured shutdown timeout, then the sweepers and the
// violation dispatcher stop, stream clients are disconnected and store
// connections close.
//
// # Error Handling
//
// All initialization errors are returned to the caller. The package never
// calls os.Exit.
package app
