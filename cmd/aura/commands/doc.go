// Package commands defines the aura CLI.
//
// Commands
//
//   - config check   Validate a device configuration file
//   - simulate dkd   Run a deterministic key derivation among simulated devices
//
// The root command builds the logger from the persistent flags before any
// subcommand runs. Subcommands write results to the command's output.
package commands
