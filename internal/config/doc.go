// Package config handles configuration loading for clawcontrol.
//
// # Overview
//
// Configuration is loaded from an optional YAML file, then overlaid with a
// small set of environment variables. Every field has a default, so the
// server starts with no file at all.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CLAWCONTROL_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/clawcontrol/config.yaml
//  3. ~/.config/clawcontrol/config.yaml
//
// Before the file is read, .env.local and .env in the working directory are
// loaded into the environment. Variables that are already set are kept.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	gateway:
//	  token: "${OPENCLAW_GATEWAY_TOKEN}"
//
// # Environment Overrides
//
//	DASHBOARD_ADDR          server.http_addr
//	DASHBOARD_PORT          port part of server.http_addr
//	DASHBOARD_ALLOW_HTTP    server.allow_http
//	WORKSPACE_DIR           workspace.dir
//	DATABASE_PATH           database.path
//	OPENCLAW_GATEWAY_URL    gateway.url
//	OPENCLAW_GATEWAY_TOKEN  gateway.token
//	MC_API_TOKEN            auth.api_token
//	DASHBOARD_TOKEN         auth.recovery_token
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  soft_lock_duration: "15m"
//	  hard_lock_duration: "24h"
//	  session_idle_timeout: "0s"   # 0 keeps sessions until logout or restart
//	gateway:
//	  reconnect_delay: "5s"
//	  reconnect_jitter: "0s"
//	events:
//	  heartbeat_interval: "30s"
//
// # Validation
//
// Load() validates:
//   - server.http_addr is set unless tailscale is enabled
//   - tailscale.hostname is set when tailscale is enabled
//   - database.path is set
//   - lock thresholds are ordered and durations positive
//   - the reconnect delay and heartbeat interval are positive
package config
