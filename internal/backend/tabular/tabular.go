package tabular

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"transmute/internal/backend"
	"transmute/internal/formats"
	"transmute/internal/services"
)

// ID is the registry identifier of the tabular backend.
const ID = "tabular"

// Table is a header row plus data rows.
type Table struct {
	Header []string
	Rows   [][]string
}

// Backend converts delimited and JSON tabular data in process.
type Backend struct{}

// New constructs the tabular backend.
func New() *Backend { return &Backend{} }

func (b *Backend) ID() string         { return ID }
func (b *Backend) Tier() backend.Tier { return backend.TierFast }
func (b *Backend) Quality() float64   { return 0.8 }

func (b *Backend) SupportedPairs() []formats.Pair {
	return []formats.Pair{
		formats.NewPair("csv", "html"),
		formats.NewPair("tsv", "html"),
		formats.NewPair("json", "html"),
		formats.NewPair("csv", "json"),
		formats.NewPair("json", "csv"),
		formats.NewPair("tsv", "csv"),
	}
}

func (b *Backend) Available(context.Context) error { return nil }

// Convert reads input in the format named by its extension (or the "source"
// option) and writes output in the format named by its extension (or the
// "format" option).
func (b *Backend) Convert(ctx context.Context, input, output string, opts backend.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	source := resolveFormat(input, opts["source"])
	target := resolveFormat(output, opts["format"])
	if !backend.Supports(b, formats.Pair{Source: source, Target: target}) {
		return services.Wrap(services.ErrValidation, "tabular", "convert", fmt.Sprintf("unsupported pair %s>%s", source, target), nil)
	}

	in, err := os.Open(input)
	if err != nil {
		return services.Wrap(services.ErrConversionFailed, "tabular", "open input", input, err)
	}
	defer in.Close()

	table, err := Read(in, source)
	if err != nil {
		return services.Wrap(services.ErrConversionFailed, "tabular", "parse "+source, input, err)
	}

	title := opts["title"]
	if strings.TrimSpace(title) == "" {
		title = TitleFromPath(input)
	}
	var buf bytes.Buffer
	if err := Write(&buf, table, target, title); err != nil {
		return services.Wrap(services.ErrConversionFailed, "tabular", "render "+target, output, err)
	}
	if err := os.WriteFile(output, buf.Bytes(), 0o644); err != nil {
		return services.Wrap(services.ErrConversionFailed, "tabular", "write output", output, err)
	}
	return nil
}

func resolveFormat(path, override string) string {
	if format := formats.Normalize(override); format != "" {
		return format
	}
	return formats.FromPath(path)
}

// Read parses csv, tsv or json into a Table. JSON input is either an array of
// objects (columns are the sorted union of keys) or an array of arrays whose
// first element is the header.
func Read(r io.Reader, format string) (Table, error) {
	switch format {
	case "csv", "tsv":
		reader := csv.NewReader(r)
		if format == "tsv" {
			reader.Comma = '\t'
			reader.LazyQuotes = true
		}
		reader.FieldsPerRecord = -1
		records, err := reader.ReadAll()
		if err != nil {
			return Table{}, err
		}
		if len(records) == 0 {
			return Table{}, nil
		}
		return Table{Header: records[0], Rows: records[1:]}, nil
	case "json":
		return readJSON(r)
	default:
		return Table{}, fmt.Errorf("unsupported input format %q", format)
	}
}

func readJSON(r io.Reader) (Table, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return Table{}, fmt.Errorf("expected a JSON array: %w", err)
	}
	if len(raw) == 0 {
		return Table{}, nil
	}

	var first []any
	if json.Unmarshal(raw[0], &first) == nil {
		var table Table
		for i, item := range raw {
			var cells []any
			if err := json.Unmarshal(item, &cells); err != nil {
				return Table{}, fmt.Errorf("row %d: %w", i, err)
			}
			row := make([]string, len(cells))
			for j, cell := range cells {
				row[j] = cellString(cell)
			}
			if i == 0 {
				table.Header = row
				continue
			}
			table.Rows = append(table.Rows, row)
		}
		return table, nil
	}

	objects := make([]map[string]any, 0, len(raw))
	columns := map[string]struct{}{}
	for i, item := range raw {
		var obj map[string]any
		if err := json.Unmarshal(item, &obj); err != nil {
			return Table{}, fmt.Errorf("row %d: %w", i, err)
		}
		for key := range obj {
			columns[key] = struct{}{}
		}
		objects = append(objects, obj)
	}
	header := make([]string, 0, len(columns))
	for key := range columns {
		header = append(header, key)
	}
	sort.Strings(header)

	table := Table{Header: header}
	for _, obj := range objects {
		row := make([]string, len(header))
		for j, key := range header {
			if value, ok := obj[key]; ok {
				row[j] = cellString(value)
			}
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

func cellString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64, bool:
		return fmt.Sprint(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

// Write renders a Table as csv, json (array of objects keyed by header) or a
// standalone html document.
func Write(w io.Writer, table Table, format, title string) error {
	switch format {
	case "csv":
		writer := csv.NewWriter(w)
		if len(table.Header) > 0 {
			if err := writer.Write(table.Header); err != nil {
				return err
			}
		}
		if err := writer.WriteAll(table.Rows); err != nil {
			return err
		}
		return writer.Error()
	case "json":
		objects := make([]map[string]string, 0, len(table.Rows))
		for _, row := range table.Rows {
			obj := make(map[string]string, len(table.Header))
			for i, key := range table.Header {
				if i < len(row) {
					obj[key] = row[i]
				} else {
					obj[key] = ""
				}
			}
			objects = append(objects, obj)
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(objects)
	case "html":
		if strings.TrimSpace(title) == "" {
			title = "Table"
		}
		return htmlTemplate.Execute(w, struct {
			Title string
			Table Table
		}{Title: title, Table: table})
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

var htmlTemplate = template.Must(template.New("table").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
table { border-collapse: collapse; font-family: sans-serif; }
th, td { border: 1px solid #999; padding: 4px 8px; }
th { background: #eee; }
</style>
</head>
<body>
<table>
<thead><tr>{{range .Table.Header}}<th>{{.}}</th>{{end}}</tr></thead>
<tbody>
{{range .Table.Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</tbody>
</table>
</body>
</html>
`))

// TitleFromPath derives a document title from a file name.
func TitleFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
