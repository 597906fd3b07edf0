// Package backend defines the fixed converter interface and the startup
// registry that probes each converter before it is offered to routing.
//
// Concrete converters live in subpackages: imaging (in-process raster),
// tabular (in-process CSV/TSV/JSON), command (configured external CLIs) and
// drapto (AV1 video).
package backend
