// Package config handles configuration loading for deepr-mcp.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Files ending in .toml are decoded as TOML; anything else is
// YAML. Missing values get defaults, then the result is validated.
//
// # Configuration File
//
// Locations (first match wins):
//
//  1. The --config flag
//  2. Path from the DEEPR_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/deepr/mcp.yaml
//  4. ~/.config/deepr/mcp.yaml
//
// Relative paths inside the file resolve against the file's directory.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${DEEPR_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  addr: "127.0.0.1:8765"
//
//	database:
//	  jobs_path: "~/.local/share/deepr/jobs.db"
//	  credentials_path: "~/.local/share/deepr/credentials.db"
//
//	storage:
//	  reports_dir: "reports"
//	  experts_dir: "experts"
//
//	sandbox:
//	  base_dir: "sandboxes"
//	  default_max_tokens: 100000
//	  default_timeout: "1h"
//	  allowed_tools: ["web_search", "fetch_*"]
//
//	elicitation:
//	  default_timeout: "5m"
//	  budget_timeout: "5m"
//	  cli_prompt: false
//
//	auth:
//	  jwt_secret: ""      # empty disables bearer auth
//
//	logging:
//	  level: "info"       # debug, info, warn, error
//	  format: "text"      # text, json
//
// Data paths default under $XDG_DATA_HOME/deepr (or ~/.local/share/deepr).
// Jobs and credentials must live in different database files.
package config
