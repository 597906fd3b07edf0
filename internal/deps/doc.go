// Package deps probes the external binaries that command-line backends and the
// video backend rely on, reporting availability for startup registration and
// the backends CLI listing.
package deps
