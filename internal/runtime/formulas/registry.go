// Package formulas is the surface the formula engine calls: a registry of
// named functions, argument coercion, and the mapping of runtime results onto
// cell values, placeholders, and errors.
package formulas

import (
	"sort"
	"strings"

	"github.com/l0p7/sheetlink/internal/runtime/accessor"
	"github.com/l0p7/sheetlink/internal/runtime/aggregate"
	"github.com/l0p7/sheetlink/internal/runtime/search"
)

// Cell formats the engine applies to returned values.
const (
	FormatText   = "@"
	FormatNumber = "#,##0.00"
	FormatCount  = "0"
)

// Placeholders are the texts shown instead of a value.
type Placeholders struct {
	Loading   string `json:"loading"`
	NoResults string `json:"noResults"`
}

// DefaultPlaceholders returns the stock placeholder texts.
func DefaultPlaceholders() Placeholders {
	return Placeholders{Loading: "Loading...", NoResults: "No results found"}
}

// Env is the per-session runtime a function evaluates against.
type Env struct {
	Fields    *accessor.Accessor
	Search    *search.Searcher
	Aggregate *aggregate.Aggregator
}

// Outcome is what a cell receives. While RequiresRefresh is set Value holds
// the loading placeholder.
type Outcome struct {
	Value           any        `json:"value"`
	Format          string     `json:"format,omitempty"`
	RequiresRefresh bool       `json:"requiresRefresh"`
	Error           *EvalError `json:"error,omitempty"`
}

func loading() Outcome { return Outcome{RequiresRefresh: true} }

func failed(err error) Outcome { return Outcome{Error: classify(err)} }

// Arg describes one parameter for the function catalog.
type Arg struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Optional    bool   `json:"optional,omitempty"`
	Repeating   bool   `json:"repeating,omitempty"`
}

// Function is a registered formula.
type Function struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Args        []Arg  `json:"args"`
	Returns     string `json:"returns"`

	eval func(c call) Outcome
}

// maxArgs is -1 for functions with a repeating tail.
func (f *Function) maxArgs() int {
	for _, a := range f.Args {
		if a.Repeating {
			return -1
		}
	}
	return len(f.Args)
}

type call struct {
	env          Env
	cell         string
	args         []any
	placeholders Placeholders
}

func (c call) arg(i int) any {
	if i < len(c.args) {
		return c.args[i]
	}
	return nil
}

// Registry resolves function names case-insensitively. A namespace prefix
// such as "ODOO.GET_FIELD" is accepted for every function.
type Registry struct {
	namespace    string
	placeholders Placeholders
	funcs        map[string]*Function
}

// NewRegistry registers the built-in functions.
func NewRegistry(namespace string, placeholders Placeholders) *Registry {
	defaults := DefaultPlaceholders()
	if placeholders.Loading == "" {
		placeholders.Loading = defaults.Loading
	}
	if placeholders.NoResults == "" {
		placeholders.NoResults = defaults.NoResults
	}
	r := &Registry{
		namespace:    strings.ToUpper(strings.TrimSpace(namespace)),
		placeholders: placeholders,
		funcs:        make(map[string]*Function),
	}
	for _, fn := range builtins() {
		r.funcs[fn.Name] = fn
	}
	return r
}

// Lookup finds a function by plain or namespaced name.
func (r *Registry) Lookup(name string) (*Function, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	fn, ok := r.funcs[name]
	return fn, ok
}

// Descriptor is the catalog entry served to engines.
type Descriptor struct {
	Function
	QualifiedName string `json:"qualifiedName"`
}

// Catalog lists the registered functions sorted by name.
func (r *Registry) Catalog() []Descriptor {
	out := make([]Descriptor, 0, len(r.funcs))
	for _, fn := range r.funcs {
		qualified := fn.Name
		if r.namespace != "" {
			qualified = r.namespace + "." + fn.Name
		}
		out = append(out, Descriptor{Function: *fn, QualifiedName: qualified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Namespace returns the upper-cased prefix accepted before function names.
func (r *Registry) Namespace() string { return r.namespace }

// Placeholders returns the configured placeholder texts.
func (r *Registry) Placeholders() Placeholders { return r.placeholders }

// Evaluate runs name with args for cell. Missing trailing arguments read as
// blank. It never blocks on the record service: missing data yields the
// loading placeholder and a refresh flag.
func (r *Registry) Evaluate(env Env, cell, name string, args []any) Outcome {
	fn, ok := r.Lookup(name)
	if !ok {
		return Outcome{Error: errorf(CodeUnknownFunction, "unknown function "+strings.TrimSpace(name))}
	}
	if maxArgs := fn.maxArgs(); maxArgs >= 0 && len(args) > maxArgs {
		return Outcome{Error: errorf(CodeInvalidArguments, fn.Name+": wrong number of arguments")}
	}
	out := fn.eval(call{env: env, cell: cell, args: args, placeholders: r.placeholders})
	if out.RequiresRefresh {
		out.Value = r.placeholders.Loading
		out.Format = ""
		out.Error = nil
	}
	return out
}
