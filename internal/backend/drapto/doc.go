// Package drapto implements the high-fidelity video backend. It encodes mp4,
// mov, avi and webm inputs into AV1 Matroska files with the Drapto library and
// is registered only when ffmpeg resolves.
//
// Drapto reports progress through a callback interface; the adapter in this
// package turns those callbacks into sampled structured log records.
package drapto
