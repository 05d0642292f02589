package core

import (
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"
)

// Field is a single header entry.
type Field struct {
	Name  string
	Value string
}

// Headers is a case-insensitive multimap that preserves insertion order.
// Field names keep the spelling they were first added with.
type Headers struct {
	fields []Field
}

func NewHeaders() *Headers {
	return &Headers{fields: make([]Field, 0, 8)}
}

// Add appends a field, keeping earlier values of the same name.
func (h *Headers) Add(name, value string) *Headers {
	h.fields = append(h.fields, Field{Name: name, Value: value})
	return h
}

// Set replaces every value of name with the single given value. The slot of
// the first occurrence keeps its position, later duplicates are dropped.
func (h *Headers) Set(name, value string) *Headers {
	replaced := false
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
			continue
		}
		if !replaced {
			out = append(out, Field{Name: f.Name, Value: value})
			replaced = true
		}
	}
	if !replaced {
		out = append(out, Field{Name: name, Value: value})
	}
	h.fields = out
	return h
}

// Get returns the first value of name.
func (h *Headers) Get(name string) (value string, ok bool) {
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Values returns every value of name in insertion order.
func (h *Headers) Values(name string) []string {
	var values []string
	for _, f := range h.fields {
		if strings.EqualFold(f.Name, name) {
			values = append(values, f.Value)
		}
	}
	return values
}

func (h *Headers) Contains(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// ContainsValue reports whether name has the given value,
// compared case-insensitively.
func (h *Headers) ContainsValue(name, value string) bool {
	for _, v := range h.Values(name) {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

// Remove deletes every field of name.
func (h *Headers) Remove(name string) *Headers {
	out := h.fields[:0]
	for _, f := range h.fields {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	h.fields = out
	return h
}

// Fields returns the entries in insertion order. The slice is shared,
// callers must not mutate it.
func (h *Headers) Fields() []Field {
	return h.fields
}

func (h *Headers) Len() int { return len(h.fields) }

func (h *Headers) Clone() *Headers {
	clone := make([]Field, len(h.fields))
	copy(clone, h.fields)
	return &Headers{fields: clone}
}

// Validate checks every field against the http field grammar.
func (h *Headers) Validate() error {
	for _, f := range h.fields {
		// Pseudo and extension headers are carried through Headers too,
		// their names start with ':' or are plain tokens.
		name := strings.TrimPrefix(f.Name, ":")
		if !httpguts.ValidHeaderFieldName(name) {
			return errInvalidFieldName(f.Name)
		}
		if !httpguts.ValidHeaderFieldValue(f.Value) {
			return errInvalidFieldValue(f.Name)
		}
	}
	return nil
}

func errInvalidFieldName(name string) error {
	return errors.Errorf("invalid header field name: %q", name)
}

func errInvalidFieldValue(name string) error {
	return errors.Errorf("invalid value for header field %q", name)
}
