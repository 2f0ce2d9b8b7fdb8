// Package output renders command results as yaml or json.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Format defines the output format for CLI commands.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// DefaultFormat is used for unknown or empty format names.
const DefaultFormat = FormatYAML

// globalFormat is set by the root command's --output flag.
var globalFormat = DefaultFormat

// ParseFormat returns the format for name, or an error for unknown names.
func ParseFormat(name string) (Format, error) {
	switch Format(name) {
	case FormatYAML, FormatJSON:
		return Format(name), nil
	case "":
		return DefaultFormat, nil
	default:
		return "", fmt.Errorf("unknown output format: %q (want yaml or json)", name)
	}
}

// SetFormat sets the global output format.
func SetFormat(f Format) {
	globalFormat = f
}

// CurrentFormat returns the global output format.
func CurrentFormat() Format {
	return globalFormat
}

// Print writes data to stdout in the configured format.
func Print(data any) error {
	return WriteTo(os.Stdout, globalFormat, data)
}

// WriteTo writes data to the given writer in the specified format.
func WriteTo(w io.Writer, format Format, data any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(data)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}
