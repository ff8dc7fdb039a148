// Package config loads gatekeeper configuration from environment variables
// with an optional YAML file for dynamic authorization knobs.
//
// # Environment Variables
//
// All variables carry the GATEKEEPER_ prefix. Static settings (listen
// addresses, database URL, OIDC issuer, timeouts) are read once at startup:
//
//	cfg, err := config.LoadConfig()
//
// # Dynamic Settings
//
// The default permission, the permission source order and the response
// filter iteration bound can change at runtime. They live in a Dynamic
// container with copy-on-read semantics:
//
//	dyn := config.NewDynamic(cfg.Authz)
//	perm := dyn.Snapshot().DefaultPermission
//
// When GATEKEEPER_CONFIG_FILE points at a YAML file, a fsnotify watcher
// re-reads it on change and swaps the dynamic settings atomically. The
// route registries are built once at startup and are never affected by
// reloads.
package config
