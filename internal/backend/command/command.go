package command

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"transmute/internal/backend"
	"transmute/internal/config"
	"transmute/internal/deps"
	"transmute/internal/formats"
	"transmute/internal/services"
)

var commandContext = exec.CommandContext

// outputLimit caps the captured stderr/stdout kept for diagnostics.
const outputLimit = 4096

// Backend runs a configured external converter.
//
// Argument templates may reference {input}, {output}, {outdir}, {outstem} and
// {target}. Option values are available as {opt:name}; unknown options expand
// to an empty string.
type Backend struct {
	id      string
	binary  string
	args    []string
	pairs   []formats.Pair
	tier    backend.Tier
	quality float64
}

// New builds a backend from its configuration entry.
func New(cfg config.CommandBackend) (*Backend, error) {
	id := strings.TrimSpace(cfg.ID)
	if id == "" {
		return nil, services.Wrap(services.ErrConfiguration, "command", "new", "backend id is empty", nil)
	}
	tier, err := backend.ParseTier(cfg.Tier)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "command", "new", id, err)
	}
	b := &Backend{
		id:      id,
		binary:  strings.TrimSpace(cfg.Binary),
		args:    append([]string(nil), cfg.Args...),
		tier:    tier,
		quality: cfg.Quality,
	}
	for _, raw := range cfg.Pairs {
		pair, err := formats.ParsePair(raw)
		if err != nil {
			return nil, services.Wrap(services.ErrConfiguration, "command", "new", id, err)
		}
		b.pairs = append(b.pairs, pair)
	}
	if len(b.args) == 0 {
		b.args = []string{"{input}", "{output}"}
	}
	return b, nil
}

func (b *Backend) ID() string         { return b.id }
func (b *Backend) Tier() backend.Tier { return b.tier }
func (b *Backend) Quality() float64   { return b.quality }

func (b *Backend) SupportedPairs() []formats.Pair {
	return append([]formats.Pair(nil), b.pairs...)
}

// Available reports whether the configured binary resolves on PATH.
func (b *Backend) Available(context.Context) error {
	status := deps.CheckBinary(deps.Requirement{
		Name:        b.id,
		Command:     b.binary,
		Description: "External converter",
	})
	if err := status.Err(); err != nil {
		return services.Wrap(services.ErrBackendUnavailable, "command", "probe", b.id, err)
	}
	return nil
}

// Convert runs the converter and verifies that it produced output.
func (b *Backend) Convert(ctx context.Context, input, output string, opts backend.Options) error {
	args := b.Args(input, output, opts)
	cmd := commandContext(ctx, b.binary, args...) //nolint:gosec
	var captured bytes.Buffer
	cmd.Stdout = &limitedBuffer{buf: &captured, limit: outputLimit}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		detail := strings.TrimSpace(captured.String())
		if detail == "" {
			detail = "no output"
		}
		return services.Wrap(services.ErrConversionFailed, b.id, "run", detail, err)
	}
	info, err := os.Stat(output)
	if err != nil {
		return services.Wrap(services.ErrConversionFailed, b.id, "verify output", fmt.Sprintf("%s did not produce %s", b.binary, output), err)
	}
	if info.Size() == 0 {
		return services.Wrap(services.ErrConversionFailed, b.id, "verify output", "output is empty", nil)
	}
	return nil
}

// Args expands the argument templates for one invocation.
func (b *Backend) Args(input, output string, opts backend.Options) []string {
	base := filepath.Base(output)
	replacements := []string{
		"{input}", input,
		"{output}", output,
		"{outdir}", filepath.Dir(output),
		"{outstem}", strings.TrimSuffix(base, filepath.Ext(base)),
		"{target}", formats.FromPath(output),
	}
	for _, key := range opts.Keys() {
		replacements = append(replacements, "{opt:"+key+"}", opts[key])
	}
	replacer := strings.NewReplacer(replacements...)

	out := make([]string, 0, len(b.args))
	for _, arg := range b.args {
		expanded := replacer.Replace(arg)
		if strings.Contains(expanded, "{opt:") {
			expanded = stripUnknownOptions(expanded)
		}
		out = append(out, expanded)
	}
	return out
}

func stripUnknownOptions(value string) string {
	for {
		start := strings.Index(value, "{opt:")
		if start < 0 {
			return value
		}
		end := strings.Index(value[start:], "}")
		if end < 0 {
			return value
		}
		value = value[:start] + value[start+end+1:]
	}
}

type limitedBuffer struct {
	buf   *bytes.Buffer
	limit int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if remaining := l.limit - l.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			l.buf.Write(p[:remaining])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}
