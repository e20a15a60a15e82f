// Package config loads the client configuration.
//
// Configuration is built in layers: the built-in defaults, then every file
// added with AddLayer in order, then LOOPCORE_* environment variables. Files
// may be JSON (.json) or YAML (.yaml, .yml); later layers only override the
// keys they set.
//
//	loader := config.NewLoader()
//	loader.AddLayer("loopcore.yaml")
//	loader.AddLayer("loopcore.local.json")
//	cfg, err := loader.Load()
//
// Durations accept Go duration strings ("400ms", "30s") or integer
// milliseconds.
//
// # Environment Overrides
//
//	LOOPCORE_URL           transport.url
//	LOOPCORE_API_URL       rest.base_url
//	LOOPCORE_STORAGE_MODE  storage.mode (none, file, sqlite, nats)
//	LOOPCORE_STORAGE_PATH  storage.path
//	LOOPCORE_NATS_URL      storage.nats_url
//	LOOPCORE_TOKEN_FILE    auth.token_file
//	LOOPCORE_METRICS_ADDR  metrics.addr
//	LOOPCORE_METRICS       metrics.enabled ("true" or "1")
//
// The bearer token itself is never stored in a file layer: auth.token_env
// names the variable to read (LOOPCORE_TOKEN by default) and
// auth.token_file is the fallback.
//
// Config converts into the per-package configurations with Connection,
// Client and StorageBackend.
package config
