// Package tabular converts csv, tsv and json tables in process and renders
// them as standalone html documents.
package tabular
