// Package app provides the composition layer for the payment gateway.
//
// # Architecture Role
//
// The app package sits above the protocol and platform layers and is
// responsible for composing them into a running gateway. It is NOT a
// business logic layer - accounting and settlement rules belong in
// internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/
//	│   └── channel/        # Channel, receipt, and settlement models
//	├── storage/            # Store interfaces shared by services
//	│   ├── interfaces.go   # ChannelStore, ReceiptStore, SettlementStore
//	│   ├── memory/         # In-memory implementation for tests and dev
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/
//	│   ├── billing/        # Payee ledger: voucher verification and debits
//	│   ├── pricing/        # Per-route request pricing
//	│   ├── settlement/     # On-chain submission, poller, scheduler
//	│   └── events/         # Receipt fan-out to websocket subscribers
//	├── httpapi/            # HTTP handlers and routing
//	├── metrics/            # Prometheus collectors
//	└── system/             # Service lifecycle manager
//
// # Responsibilities
//
// The app package is responsible for:
//
//   - Composing services from internal/app/services/ with their dependencies
//   - Defining the storage interfaces those services depend on
//   - Providing the channel domain models shared across services
//   - Exposing the HTTP API for payers and operators
//   - Managing application-level concerns (lifecycle, metrics)
//
// # Dependency Direction
//
//	cmd/gateway/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/services/ (ledger, pricing, settlement, events)
//	      │           │
//	      │           ├──► internal/rav/ (voucher and receipt codec)
//	      │           │
//	      │           └──► internal/did/ (payer key resolution)
//	      │
//	      ├──► internal/chain/ (payment contract client)
//	      │
//	      └──► internal/app/storage/ (persistence)
//
// The protocol packages (rav, did, chain) never import app; payers reuse
// them through pkg/payer without pulling in the gateway.
package app
