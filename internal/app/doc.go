// Package app composes the marketplace services into a running application.
//
// # Architecture Role
//
// The app package sits above the individual services and is responsible for
// wiring them together with their storage collaborators. It is NOT a business
// logic layer - business logic belongs in internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── service/        # Registered AI services
//	│   └── transaction/    # Payment transactions and aggregates
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # Store interfaces (ServiceStore, TransactionStore, ...)
//	│   ├── memory/         # In-memory implementation for testing
//	│   ├── postgres/       # PostgreSQL implementation for production
//	│   └── redisstore/     # Redis-backed nonce and rate-limit windows
//	├── services/           # Business logic services
//	│   ├── registry/       # Service registration and lifecycle
//	│   ├── payment/        # Signature and nonce verification
//	│   ├── ratelimit/      # Per-caller fixed-window limiting
//	│   ├── upstream/       # Provider endpoint invocation
//	│   ├── proxy/          # Gated request routing and ledger reconciliation
//	│   └── analytics/      # Usage and revenue reporting
//	├── httpapi/            # HTTP API handlers and routing
//	├── system/             # Background service lifecycle management
//	└── metrics/            # Prometheus collectors
//
// # Responsibilities
//
// The app package is responsible for:
//
//   - Composing services from internal/app/services/ with their dependencies
//   - Defining storage interfaces that services depend on
//   - Providing domain models shared across services
//   - Managing background service lifecycle through system.Manager
//
// Anything with business rules in it belongs in a service package, not here.
package app
