package templates

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Headers is a compiled set of header templates.
type Headers struct {
	names     []string
	templates map[string]*Template
}

// CompileHeaders compiles each header value. A value starting with "@" names
// a template file inside the sandbox; anything else is an inline template.
// Headers whose value is blank are skipped.
func (r *Renderer) CompileHeaders(values map[string]string) (*Headers, error) {
	h := &Headers{templates: make(map[string]*Template, len(values))}
	for name, source := range values {
		name = http.CanonicalHeaderKey(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		var (
			tmpl *Template
			err  error
		)
		if path, ok := strings.CutPrefix(strings.TrimSpace(source), "@"); ok {
			tmpl, err = r.CompileFile(path)
		} else {
			tmpl, err = r.CompileInline("header "+name, source)
		}
		if err != nil {
			return nil, fmt.Errorf("templates: header %s: %w", name, err)
		}
		if tmpl == nil {
			continue
		}
		h.names = append(h.names, name)
		h.templates[name] = tmpl
	}
	sort.Strings(h.names)
	return h, nil
}

// Len reports the number of compiled headers.
func (h *Headers) Len() int {
	if h == nil {
		return 0
	}
	return len(h.names)
}

// Apply renders every header with data and sets it on dst. Values that render
// blank are not sent.
func (h *Headers) Apply(dst http.Header, data any) error {
	if h == nil {
		return nil
	}
	for _, name := range h.names {
		value, err := h.templates[name].Render(data)
		if err != nil {
			return err
		}
		if value = strings.TrimSpace(value); value != "" {
			dst.Set(name, value)
		}
	}
	return nil
}
