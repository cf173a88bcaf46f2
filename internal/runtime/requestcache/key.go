package requestcache

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
)

// Key identifies one cached fetch. Every input that affects the fetched value
// must be part of the key; Cell records which formula cell asked for it and
// only joins the identity when the cache is configured with cell-scoped keys.
type Key struct {
	Kind    string
	Model   string
	Fields  []string
	IDs     []int64
	Domain  string
	Options map[string]string
	Cell    string
}

// String renders the canonical form used as the cache identity. Options are
// emitted in sorted order so equal keys always render identically.
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Kind)
	b.WriteByte('|')
	b.WriteString(k.Model)
	b.WriteByte('|')
	b.WriteString(strings.Join(k.Fields, ","))
	b.WriteByte('|')
	for i, id := range k.IDs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	b.WriteByte('|')
	b.WriteString(k.Domain)
	b.WriteByte('|')
	if len(k.Options) > 0 {
		names := make([]string, 0, len(k.Options))
		for name := range k.Options {
			names = append(names, name)
		}
		sort.Strings(names)
		for i, name := range names {
			if i > 0 {
				b.WriteByte('&')
			}
			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(k.Options[name])
		}
	}
	return b.String()
}

// Digest returns a short FNV-1a hash of the canonical form for log lines.
func (k Key) Digest() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.String()))
	return fmt.Sprintf("%016x", h.Sum64())
}

func (k Key) identity(cellScoped bool) string {
	if cellScoped && k.Cell != "" {
		return k.String() + "@" + k.Cell
	}
	return k.String()
}

// ForModel matches every key fetched from model.
func ForModel(model string) func(Key) bool {
	return func(k Key) bool { return k.Model == model }
}

// All matches every key.
func All(Key) bool { return true }
