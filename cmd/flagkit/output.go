package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	flagkit "github.com/matt-riley/flagkit/clients/go"
)

// OutputFormat selects how command results are printed.
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatYAML  OutputFormat = "yaml"
)

func printValue(w io.Writer, format OutputFormat, v any) error {
	switch format {
	case FormatJSON:
		return printJSON(w, v)
	case FormatYAML:
		return printYAML(w, v)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func printFlags(w io.Writer, format OutputFormat, flags []flagkit.FlagSummary) error {
	switch format {
	case FormatTable:
		return printFlagTable(w, flags)
	case FormatJSON, FormatYAML:
		return printValue(w, format, map[string][]flagkit.FlagSummary{"flags": flags})
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func printYAML(w io.Writer, v any) error {
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	encoder.SetIndent(2)
	return encoder.Encode(v)
}

func printFlagTable(w io.Writer, flags []flagkit.FlagSummary) error {
	table := tablewriter.NewWriter(w)
	table.Header("Name", "Type", "Value", "Active", "Segments", "Rollout", "Version")

	for _, flag := range flags {
		value := flag.Value
		if len(value) > 40 {
			value = value[:37] + "..."
		}
		if err := table.Append(
			flag.Name,
			string(flag.Type),
			value,
			strconv.FormatBool(flag.Active),
			strconv.Itoa(flag.SegmentsCount),
			fmt.Sprintf("%d%%", flag.RolloutPercentage),
			strconv.FormatInt(flag.Version, 10),
		); err != nil {
			return err
		}
	}

	return table.Render()
}
