// Package defaultplaybooks provides embedded copies of the shipped
// playbook files for use by the init subcommand and as the runtime
// fallback when no playbooks directory is configured. This package
// exists to satisfy go:embed's requirement that embedded files reside
// in or below the embedding package directory.
//
// The runtime playbook loader lives in internal/playbook.
package defaultplaybooks

import "embed"

// FS contains the shipped playbook markdown files.
//
//go:embed *.md
var FS embed.FS
