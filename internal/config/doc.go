// Package config provides centralized configuration management for tenantguard.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. YAML configuration file
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern GUARD_<SECTION>_<FIELD>:
//
//	GUARD_SERVER_PORT=8080
//	GUARD_LICENSE_AUTHORITY_URL=https://licenses.example.com
//	GUARD_LICENSE_FRESHNESS_WINDOW=15m
//	GUARD_REDIS_ENABLED=true
//	GUARD_ATTACK_BRUTE_FORCE_VOLUME=10
//
// The YAML file is read from GUARD_CONFIG_FILE when set, otherwise from
// tenantguard.yaml, configs/tenantguard.yaml or /etc/tenantguard/tenantguard.yaml.
//
// # Validation
//
// Load validates the merged configuration with go-playground/validator
// struct tags plus a few cross-field rules (offline grace must cover the
// freshness window, the outer license timeout must cover a single request).
package config
