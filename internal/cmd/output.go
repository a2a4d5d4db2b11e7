package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/concord/internal/sweeper"
	"github.com/Iron-Ham/concord/internal/tui/styles"
)

// Output formats accepted by --output.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// printer writes command results in the configured format.
type printer struct {
	format string
	out    io.Writer
	styles styles.Styles
}

func (o *RootOptions) printer() printer {
	return printer{
		format: o.cfg.Output.Format,
		out:    o.out,
		styles: styles.New(o.out, o.cfg.Output.Color),
	}
}

// structured reports whether results are printed as data rather than text.
func (p printer) structured() bool {
	return p.format == FormatJSON || p.format == FormatYAML
}

// emit prints data as JSON or YAML, or calls text for the text format.
func (p printer) emit(data any, text func() string) error {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		return writeYAML(p.out, data)
	default:
		_, err := fmt.Fprintln(p.out, text())
		return err
	}
}

// line prints a one-line text result, or data in a structured format.
func (p printer) line(data any, format string, args ...any) error {
	return p.emit(data, func() string { return fmt.Sprintf(format, args...) })
}

// writeYAML renders data through its JSON form so YAML keys match the JSON
// field names and times keep their RFC 3339 layout.
func writeYAML(w io.Writer, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return err
	}
	blockStyle(&node)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// blockStyle clears the flow and quoting styles JSON input decodes with.
func blockStyle(n *yaml.Node) {
	switch n.Kind {
	case yaml.MappingNode, yaml.SequenceNode:
		n.Style = 0
	case yaml.ScalarNode:
		if n.Tag == "!!str" {
			n.Style = 0
		}
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func sweepSummary(res sweeper.Result) string {
	return fmt.Sprintf("removed %d stale instance(s), released %d lock(s)",
		len(res.InstancesRemoved), len(res.LocksReleased))
}

func clock(t time.Time) string {
	return t.Local().Format("15:04:05")
}
