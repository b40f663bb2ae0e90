// Package defaults provides the embedded default configuration file
// installed by the skald init subcommand.
package defaults

import _ "embed"

//go:embed skald.example.yaml
var ConfigYAML []byte
