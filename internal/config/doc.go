// Package config loads mcpauth's config.yaml.
//
// The file lives in ~/.config/mcpauth by default. Every field is optional;
// missing values take the defaults from GetDefaultConfig. Durations use Go
// syntax ("30s", "10m").
//
//	client:
//	  name: my-tool
//	  fallbackClientId: my-static-client
//	  redirectPort: 8765
//	  scopes: [openid, mcp]
//	discovery:
//	  metadataCacheTTL: 30m
//	tokens:
//	  refreshInterval: 1m
//	  expiryMargin: 2m
//	transport:
//	  maxAttempts: 3
//	  rateLimit: 5
//	  rateBurst: 2
//	store:
//	  backend: sqlite
//	  path: credentials.db
//	logging:
//	  level: debug
//	  format: json
package config
