// Project Structure Overview
/*
asset-market/
├── cmd/
│   └── server/
│       └── main.go            wiring, graceful shutdown
├── internal/
│   ├── config/                env + viper settings, validation
│   ├── database/              gorm connection, migrations, seed
│   ├── events/                RabbitMQ settlement events
│   ├── handlers/              gin handlers, error mapping
│   ├── i18n/                  embedded en / zh_TW messages
│   ├── ledger/                ledger client types, JSON-RPC client, simulator
│   ├── middleware/            auth, CORS, i18n, rate limits, audit log
│   ├── models/                gorm models: batches, legs, credentials, tokens, rewards
│   ├── repository/            Store interface, gorm and in-memory stores
│   ├── router/                route table
│   ├── scheduler/             cron reconcile and token cleanup
│   ├── services/              fees, escrow builder, tracker, settlement, downloads, reputation
│   ├── tests/                 end-to-end HTTP tests
│   └── utils/                 JWT, validation, pagination, responses, tokens
├── go.mod
└── go.sum
*/

// Package assetmarket is the settlement backend of the digital asset marketplace.
// The server lives in cmd/server.
package assetmarket
