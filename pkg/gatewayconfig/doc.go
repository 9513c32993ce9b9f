// Package gatewayconfig loads the gateway's {agents, adapters} startup
// configuration, per spec §6 and the SPEC_FULL.md addendum: a JSON or
// YAML file overlaid with IOTILE_-prefixed environment variables,
// sharing one precedence chain with IOTILE_SIGNING_KEY, using
// github.com/spf13/viper (already an indirect dependency of the
// teacher, promoted to direct here).
package gatewayconfig
