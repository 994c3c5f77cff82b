// Package config provides configuration management for the recall service.
//
// # Overview
//
// The config package uses Viper to load configuration from YAML files and
// environment variables. It provides a type-safe configuration structure with
// validation, default values, and automatic file creation.
//
// # Configuration File
//
// The configuration is stored at ~/.recall/config.yaml and is automatically
// created with defaults on first use. Keys missing from an existing file keep
// their default values, so a file only needs the settings it changes.
//
// # Environment Variables
//
// All configuration values can be overridden using environment variables
// with the RECALL_ prefix. Nested fields are separated by underscores.
//
// Examples:
//   - RECALL_RESOLVER_CONFIDENCE_FLOOR=0.8
//   - RECALL_PROVIDERS_REASONER_API_KEY=sk-...
//   - RECALL_RATE_LIMIT_BACKEND=redis
//   - RECALL_LOGGING_LEVEL=debug
//
// # Timeout Budget
//
// Validate rejects configurations whose worst-case sequential provider path
// (transcription, classification, the full fallback chain and a follow-up
// question) does not fit inside resolver.turn_deadline.
//
// # Usage Example
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Security Best Practices
//
// API keys should be supplied through environment variables rather than the
// config file. The file is written with 0600 permissions.
package config
