package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
)

// OutputFormat represents the output format type
type OutputFormat string

const (
	FormatHuman OutputFormat = "human"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

func (a *app) format() (OutputFormat, error) {
	if a.jsonOut {
		return FormatJSON, nil
	}
	switch f := OutputFormat(a.output); f {
	case "", FormatHuman:
		return FormatHuman, nil
	case FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unsupported output format %q", repairerrors.ErrInvalidInput, a.output)
	}
}

// FormatResponse renders resp as indented JSON or as YAML with the same field names.
func FormatResponse(resp any, format OutputFormat) (string, error) {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	switch format {
	case FormatJSON:
		return string(data) + "\n", nil
	case FormatYAML:
		var generic any
		if err := json.Unmarshal(data, &generic); err != nil {
			return "", err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return "", fmt.Errorf("failed to marshal YAML: %w", err)
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// emit prints resp in the selected format, using human for the default format.
func (a *app) emit(resp any, human func(w io.Writer)) error {
	format, err := a.format()
	if err != nil {
		return err
	}
	if format == FormatHuman {
		human(a.stdout)
		return nil
	}
	out, err := FormatResponse(resp, format)
	if err != nil {
		return err
	}
	_, err = io.WriteString(a.stdout, out)
	return err
}
