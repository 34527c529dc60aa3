// Project Structure Overview
/*
pharma-custody-backend/
├── cmd/
│   └── server/
│       └── main.go
├── internal/
│   ├── config/
│   │   ├── config.go
│   │   └── database.go
│   ├── models/
│   │   ├── user.go
│   │   ├── business_entity.go
│   │   ├── drug.go
│   │   ├── token.go
│   │   ├── invoice.go
│   │   ├── proof.go
│   │   ├── admin.go
│   │   └── common.go
│   ├── handlers/
│   │   ├── auth.go
│   │   ├── drug.go
│   │   ├── custody.go
│   │   ├── distributor.go
│   │   ├── payment.go
│   │   ├── statistics.go
│   │   ├── verification.go
│   │   └── admin.go
│   ├── services/
│   │   ├── auth_service.go
│   │   ├── entity_service.go
│   │   ├── drug_service.go
│   │   ├── token_registry.go
│   │   ├── custody_service.go
│   │   ├── custody_pharmacy.go
│   │   ├── custody_queries.go
│   │   ├── provenance_resolver.go
│   │   ├── reconciliation_service.go
│   │   ├── blockchain_service.go
│   │   ├── payment_service.go
│   │   ├── statistics_service.go
│   │   ├── admin_service.go
│   │   ├── storage_service.go
│   │   └── notification_service.go
│   ├── jobs/
│   ├── metrics/
│   ├── middleware/
│   │   ├── auth.go
│   │   ├── cors.go
│   │   ├── rate_limit.go
│   │   ├── i18n.go
│   │   └── logging.go
│   ├── database/
│   │   └── connection.go
│   ├── i18n/
│   │   ├── i18n.go
│   │   ├── locales/
│   │   │   ├── en.json
│   │   │   └── vi.json
│   │   └── keys.go
│   ├── utils/
│   │   ├── jwt.go
│   │   ├── validator.go
│   │   ├── crypto.go
│   │   ├── pagination.go
│   │   └── response.go
│   ├── router/
│   │   └── router.go
│   └── tests/
├── pkg/
│   ├── blockchain/
│   └── errors/
├── go.mod
└── go.sum
*/

// Package pharmacustody holds no code. The server entry point lives in
// cmd/server.
package pharmacustody
