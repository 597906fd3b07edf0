package logging

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// prettyHandler renders records for a terminal: one header line naming the
// component and task subject, then indented fields. Info and above show a
// curated, labelled subset; debug records dump every attribute.
type prettyHandler struct {
	mu        *sync.Mutex
	writer    io.Writer
	level     *slog.LevelVar
	attrs     []slog.Attr
	groups    []string
	addSource bool
}

func newPrettyHandler(w io.Writer, lvl *slog.LevelVar, addSource bool) slog.Handler {
	return &prettyHandler{mu: &sync.Mutex{}, writer: w, level: lvl, addSource: addSource}
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// consoleRecord is a record with its subject attributes lifted out.
type consoleRecord struct {
	when      time.Time
	level     slog.Level
	message   string
	component string
	taskID    string
	step      string
	source    *slog.Source
	fields    []kv
}

func (h *prettyHandler) Handle(_ context.Context, record slog.Record) error {
	if record.Level < h.level.Level() {
		return nil
	}
	rec := h.collect(record)

	var buf bytes.Buffer
	buf.Grow(256 + len(rec.fields)*32)
	h.writeHeader(&buf, rec)
	if rec.level < slog.LevelInfo {
		writeDebugFields(&buf, rec.fields)
	} else {
		writeInfoFields(&buf, rec.fields)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *prettyHandler) collect(record slog.Record) consoleRecord {
	rec := consoleRecord{
		when:    record.Time,
		level:   record.Level,
		message: strings.TrimSpace(record.Message),
		source:  record.Source(),
	}
	if rec.when.IsZero() {
		rec.when = time.Now()
	}
	if rec.message == "" {
		rec.message = "(no message)"
	}

	all := make([]kv, 0, record.NumAttrs()+len(h.attrs))
	flattenAttrs(&all, h.groups, h.attrs)
	record.Attrs(func(attr slog.Attr) bool {
		flattenAttr(&all, h.groups, attr)
		return true
	})
	for _, field := range dedupeKVsByKey(all) {
		switch field.key {
		case FieldComponent:
			rec.component = attrString(field.value)
			continue
		case FieldTaskID:
			rec.taskID = attrString(field.value)
		case FieldStep:
			rec.step = attrString(field.value)
		}
		rec.fields = append(rec.fields, field)
	}
	return rec
}

func (h *prettyHandler) writeHeader(buf *bytes.Buffer, rec consoleRecord) {
	buf.WriteString(formatTimestamp(rec.when))
	buf.WriteByte(' ')
	buf.WriteString(levelLabel(rec.level))
	if rec.component != "" {
		buf.WriteString(" [" + rec.component + "]")
	}
	if subject := FormatSubject(rec.taskID, rec.step); subject != "" {
		buf.WriteString(" " + subject)
	}
	buf.WriteString(" - ")
	buf.WriteString(rec.message)
	if h.addSource && rec.source != nil {
		buf.WriteString(" [" + filepath.Base(rec.source.File) + ":" + strconv.Itoa(rec.source.Line) + "]")
	}
	buf.WriteByte('\n')
}

func writeInfoFields(buf *bytes.Buffer, attrs []kv) {
	fields, hidden := selectInfoFields(attrs, infoAttrLimit, false)
	for _, field := range fields {
		buf.WriteString("    - " + field.label + ": " + field.value + "\n")
	}
	switch {
	case hidden == 1:
		buf.WriteString("    + 1 more field hidden\n")
	case hidden > 1:
		buf.WriteString("    + " + strconv.Itoa(hidden) + " more fields hidden\n")
	}
}

func writeDebugFields(buf *bytes.Buffer, attrs []kv) {
	for _, field := range attrs {
		buf.WriteString("    " + field.key + ": " + formatValue(field.value) + "\n")
	}
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.groups = append(append([]string(nil), h.groups...), name)
	return &clone
}

type kv struct {
	key   string
	value slog.Value
}

// dedupeKVsByKey keeps the first position of each key with its last value.
func dedupeKVsByKey(attrs []kv) []kv {
	positions := make(map[string]int, len(attrs))
	deduped := make([]kv, 0, len(attrs))
	for _, attr := range attrs {
		if attr.key == "" {
			continue
		}
		if pos, ok := positions[attr.key]; ok {
			deduped[pos].value = attr.value
			continue
		}
		positions[attr.key] = len(deduped)
		deduped = append(deduped, attr)
	}
	return deduped
}

func flattenAttrs(dst *[]kv, prefix []string, attrs []slog.Attr) {
	for _, attr := range attrs {
		flattenAttr(dst, prefix, attr)
	}
}

func flattenAttr(dst *[]kv, prefix []string, attr slog.Attr) {
	if attr.Equal(slog.Attr{}) {
		return
	}
	attr.Value = attr.Value.Resolve()
	if attr.Value.Kind() == slog.KindGroup {
		next := prefix
		if attr.Key != "" {
			next = append(append([]string(nil), prefix...), attr.Key)
		}
		flattenAttrs(dst, next, attr.Value.Group())
		return
	}
	key := attr.Key
	if len(prefix) > 0 {
		key = strings.Join(append(append([]string(nil), prefix...), attr.Key), ".")
		key = strings.TrimSuffix(key, ".")
	}
	*dst = append(*dst, kv{key: key, value: attr.Value})
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
