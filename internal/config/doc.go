// Package config handles configuration loading for intake-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file, or a TOML file when the path ends
// in .toml. Environment variables are expanded before parsing, defaults are
// applied, and the result is validated.
//
// # Configuration File
//
// Default location:
//
//  1. Path from INTAKE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/intake/gateway.yaml (~/.config when unset)
//
// A .env file in the working directory is loaded first when present, so it
// can supply variables referenced by the config.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	interpreter:
//	  api_key: "${GEMINI_API_KEY}"
//
// INTAKE_DB_PATH overrides database.path.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	upstream:
//	  connect_timeout: "5s"
//	  retry_delay: "3s"
//	  ping_interval: "30s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: ":8080"
//
//	tailscale:
//	  enabled: false
//	  hostname: "intake"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//
//	database:
//	  path: "./intake.db"
//
//	upstream:
//	  url: "ws://localhost:9000/ws"
//	  send_attempts: 3
//	  send_retry_pause: "1s"
//
//	interpreter:
//	  provider: "gemini"
//	  api_key: "${GEMINI_API_KEY}"
//	  model: "gemini-1.5-flash"
//	  timeout: "30s"
//
//	sessions:
//	  turn_rate: 1
//	  turn_burst: 5
//
//	defaults:
//	  language: "en"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
