package tabular_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"transmute/internal/backend"
	"transmute/internal/backend/tabular"
	"transmute/internal/testsupport"
)

func TestConvertCSVToHTML(t *testing.T) {
	dir := t.TempDir()
	input := testsupport.WriteText(t, filepath.Join(dir, "report.csv"), "name,score\nada,<b>10</b>\nlin,7\n")
	output := filepath.Join(dir, "report.html")

	if err := tabular.New().Convert(context.Background(), input, output, nil); err != nil {
		t.Fatalf("convert: %v", err)
	}
	html := testsupport.ReadText(t, output)
	for _, want := range []string{"<title>report</title>", "<th>name</th>", "<td>ada</td>", "&lt;b&gt;10&lt;/b&gt;"} {
		if !strings.Contains(html, want) {
			t.Fatalf("html missing %q:\n%s", want, html)
		}
	}
}

func TestConvertCSVToJSONAndBack(t *testing.T) {
	dir := t.TempDir()
	input := testsupport.WriteText(t, filepath.Join(dir, "data.csv"), "b,a\n1,2\n3,4\n")
	jsonPath := filepath.Join(dir, "data.json")
	b := tabular.New()

	if err := b.Convert(context.Background(), input, jsonPath, nil); err != nil {
		t.Fatalf("csv>json: %v", err)
	}
	var rows []map[string]string
	if err := json.Unmarshal([]byte(testsupport.ReadText(t, jsonPath)), &rows); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if len(rows) != 2 || rows[0]["a"] != "2" || rows[1]["b"] != "3" {
		t.Fatalf("unexpected rows %+v", rows)
	}

	csvPath := filepath.Join(dir, "round.csv")
	if err := b.Convert(context.Background(), jsonPath, csvPath, nil); err != nil {
		t.Fatalf("json>csv: %v", err)
	}
	if got := testsupport.ReadText(t, csvPath); got != "a,b\n2,1\n4,3\n" {
		t.Fatalf("unexpected csv %q", got)
	}
}

func TestConvertTSVToCSV(t *testing.T) {
	dir := t.TempDir()
	input := testsupport.WriteText(t, filepath.Join(dir, "data.tsv"), "x\ty\n1,5\t2\n")
	output := filepath.Join(dir, "data.csv")
	if err := tabular.New().Convert(context.Background(), input, output, nil); err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got := testsupport.ReadText(t, output); got != "x,y\n\"1,5\",2\n" {
		t.Fatalf("unexpected csv %q", got)
	}
}

func TestReadJSONArrayOfArrays(t *testing.T) {
	table, err := tabular.Read(strings.NewReader(`[["k","v"],["a",1],["b",true]]`), "json")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(table.Header) != 2 || len(table.Rows) != 2 || table.Rows[0][1] != "1" || table.Rows[1][1] != "true" {
		t.Fatalf("unexpected table %+v", table)
	}
}

func TestConvertUsesFormatOverrides(t *testing.T) {
	dir := t.TempDir()
	input := testsupport.WriteText(t, filepath.Join(dir, "in.scratch"), "a\n1\n")
	output := filepath.Join(dir, "out.scratch")
	opts := backend.Options{"source": "csv", "format": "html"}
	if err := tabular.New().Convert(context.Background(), input, output, opts); err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !strings.Contains(testsupport.ReadText(t, output), "<td>1</td>") {
		t.Fatal("expected html table output")
	}
}

func TestConvertRejectsUnsupportedPair(t *testing.T) {
	dir := t.TempDir()
	input := testsupport.WriteText(t, filepath.Join(dir, "in.html"), "<html></html>")
	if err := tabular.New().Convert(context.Background(), input, filepath.Join(dir, "out.csv"), nil); err == nil {
		t.Fatal("expected unsupported pair error")
	}
}
