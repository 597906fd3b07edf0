// Package command adapts configured external CLIs (pandoc, wkhtmltopdf,
// chromium and similar) into backends. Each [[backends.command]] entry in the
// configuration becomes one Backend whose availability is probed on PATH.
package command
