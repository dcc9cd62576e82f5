// Package config provides application configuration management from environment variables.
//
// # Overview
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file named by TENANTGATE_CONFIG_FILE, and the environment.
// A .env file in the working directory is loaded into the environment first
// without overriding variables that are already set.
//
// # Configuration Structure
//
// Server settings:
//
//	TENANTGATE_HOST="0.0.0.0"
//	TENANTGATE_PORT="8080"
//	TENANTGATE_METRICS_PORT="9090"
//	TENANTGATE_BASE_URL="https://app.example.com"
//
// Storage settings:
//
//	TENANTGATE_STORAGE_TYPE="postgres"  # memory, postgres
//	TENANTGATE_DATABASE_URL="postgres://localhost/tenantgate"
//	TENANTGATE_REDIS_URL="redis://localhost:6379"
//
// Sessions and billing (all required):
//
//	TENANTGATE_SESSION_SECRET="<32+ random bytes>"
//	TENANTGATE_STRIPE_SECRET_KEY="sk_live_..."
//	TENANTGATE_STRIPE_WEBHOOK_SECRET="whsec_..."
//	TENANTGATE_STRIPE_PRICE_ID="price_..."
//
// Observability settings:
//
//	TENANTGATE_LOG_LEVEL="info"  # debug, info, warn, error
//	TENANTGATE_LOG_FORMAT="json" # json, text
//	TENANTGATE_OTEL_ENABLED="true"
//	TENANTGATE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/observability: Uses observability configuration
package config
