// Package formats canonicalizes format identifiers and confirms declared input
// formats against file content.
//
// Identifiers are case-folded, stripped of a leading dot and resolved through
// a small alias table (jpeg, htm, markdown, tif). The Detector sniffs magic
// bytes, opens zip containers to tell office and ebook formats apart, and can
// ask ffprobe to confirm video containers.
package formats
