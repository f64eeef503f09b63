package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"gopkg.in/yaml.v3"
)

// Output formats.
const (
	OutputTable = "table"
	OutputYAML  = "yaml"
	OutputJSON  = "json"
)

// ErrInvalidOutput is returned for an unknown --output value.
var ErrInvalidOutput = errors.New("invalid output format")

func validateOutput(format string) error {
	switch format {
	case OutputTable, OutputYAML, OutputJSON:
		return nil
	}
	return fmt.Errorf("%w: %q (want table, yaml or json)", ErrInvalidOutput, format)
}

func newTable() table.Writer {
	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	return tbl
}

// render writes v as YAML or JSON, or calls tbl for the table format.
func render(w io.Writer, format string, v any, tbl func() table.Writer) error {
	switch format {
	case OutputJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case OutputYAML:
		data, err := toYAML(v)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}
	_, err := fmt.Fprintln(w, tbl().Render())
	return err
}

// toYAML renders v with its JSON field names.
func toYAML(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	return out, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
