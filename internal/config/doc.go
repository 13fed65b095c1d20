// Package config handles configuration loading for support-gateway.
//
// # Overview
//
// Configuration is loaded from YAML with ${VAR} environment expansion,
// validated, and defaulted. Durations are written as strings in the file
// ("4s", "720h") and parsed into time.Duration.
//
// # Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  allowed_origins: ["https://support.example.com"]
//
//	database:
//	  path: "/var/lib/support-gateway/gateway.db"
//
//	auth:
//	  jwt_secret: "${SUPPORT_GATEWAY_JWT_SECRET}"
//	  token_ttl: "720h"
//
//	support:
//	  typing_ttl: "4s"
//	  requeue_on_disconnect: false
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
