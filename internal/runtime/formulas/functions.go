package formulas

import (
	"strings"

	"github.com/l0p7/sheetlink/internal/domain"
	"github.com/l0p7/sheetlink/internal/record"
	"github.com/l0p7/sheetlink/internal/runtime/aggregate"
	"github.com/l0p7/sheetlink/internal/runtime/search"
)

func builtins() []*Function {
	return []*Function{
		{
			Name:        "GET_FIELD",
			Description: "Value of one field of one record.",
			Args: []Arg{
				{Name: "model", Description: "Technical model name, e.g. res.partner."},
				{Name: "id", Description: "Record id."},
				{Name: "field", Description: "Field name."},
			},
			Returns: "text",
			eval:    getField,
		},
		{
			Name:        "GET_IDS",
			Description: "Comma-separated ids of the records matching a filter.",
			Args: []Arg{
				{Name: "model", Description: "Technical model name."},
				{Name: "order_field", Description: "Field to sort by.", Optional: true},
				{Name: "direction", Description: "asc or desc.", Optional: true},
				{Name: "limit", Description: "Maximum number of ids; blank or 0 for all.", Optional: true},
				{Name: "filters", Description: "Filter string, or repeating field, operator, value arguments.", Optional: true, Repeating: true},
			},
			Returns: "text",
			eval:    getIDs,
		},
		{
			Name:        "GET_SUM",
			Description: "Sum of a numeric field over a list of ids.",
			Args: []Arg{
				{Name: "model", Description: "Technical model name."},
				{Name: "field", Description: "Field to sum."},
				{Name: "ids", Description: "Comma-separated ids, typically from GET_IDS."},
			},
			Returns: "number",
			eval:    getSum,
		},
		{
			Name:        "GET_AGGREGATE",
			Description: "sum, avg, count, min or max of a field over a list of ids.",
			Args: []Arg{
				{Name: "model", Description: "Technical model name."},
				{Name: "field", Description: "Field to aggregate."},
				{Name: "ids", Description: "Comma-separated ids."},
				{Name: "function", Description: "sum, avg, count, min or max; defaults to sum.", Optional: true},
			},
			Returns: "number",
			eval:    getAggregate,
		},
		{
			Name:        "GET_GROUPED_IDS",
			Description: "Group keys ordered by their aggregate, largest first.",
			Args: []Arg{
				{Name: "model", Description: "Technical model name."},
				{Name: "group_by", Description: "Field to group by."},
				{Name: "aggregate_field", Description: "Field to aggregate; unused for count.", Optional: true},
				{Name: "aggregate_function", Description: "sum, avg, count, min or max.", Optional: true},
				{Name: "filters", Description: "Filter string.", Optional: true},
				{Name: "limit", Description: "Maximum number of groups; blank or 0 for all.", Optional: true},
			},
			Returns: "text",
			eval:    getGroupedIDs,
		},
		{
			Name:        "SUM_BY_DOMAIN",
			Description: "Sum of a field over the records matching a filter.",
			Args: []Arg{
				{Name: "model", Description: "Technical model name."},
				{Name: "field", Description: "Field to sum."},
				{Name: "filters", Description: "Filter string.", Optional: true},
			},
			Returns: "number",
			eval:    sumByDomain,
		},
		{
			Name:        "COUNT_BY_DOMAIN",
			Description: "Number of records matching a filter.",
			Args: []Arg{
				{Name: "model", Description: "Technical model name."},
				{Name: "filters", Description: "Filter string.", Optional: true},
			},
			Returns: "number",
			eval:    countByDomain,
		},
	}
}

func getField(c call) Outcome {
	model := text(c.arg(0))
	id, ok := integer(c.arg(1))
	field := text(c.arg(2))
	if model == "" || !ok || id <= 0 || field == "" {
		return Outcome{Error: errorf(CodeAllParametersRequired, "All parameters are required")}
	}
	res := c.env.Fields.GetField(c.cell, model, id, field)
	switch {
	case res.RequiresRefresh:
		return loading()
	case res.Err != nil:
		return failed(res.Err)
	}
	return Outcome{Value: res.Value.String(), Format: FormatText}
}

func getIDs(c call) Outcome {
	model := text(c.arg(0))
	if model == "" {
		return Outcome{Error: errorf(CodeAllParametersRequired, "model is required")}
	}
	rowLimit, ok := limit(c.arg(3))
	if !ok {
		return Outcome{Error: errorf(CodeInvalidArguments, "limit must be an integer")}
	}

	var d domain.Domain
	switch tail := c.args[min(len(c.args), 4):]; {
	case len(tail) == 1:
		d = domain.Parse(text(tail[0]))
	case len(tail)%3 == 0:
		triples := make([]domain.Triple, 0, len(tail)/3)
		for i := 0; i < len(tail); i += 3 {
			triples = append(triples, domain.Triple{Field: text(tail[i]), Operator: text(tail[i+1]), Value: text(tail[i+2])})
		}
		d = domain.FromTriples(triples)
	default:
		return Outcome{Error: errorf(CodeInvalidArguments, "filters must be one string or field, operator, value triples")}
	}

	res := c.env.Search.Search(c.cell, model, d, search.Options{
		OrderField: text(c.arg(1)),
		Direction:  text(c.arg(2)),
		Limit:      rowLimit,
	})
	switch {
	case res.RequiresRefresh:
		return loading()
	case res.Err != nil:
		return failed(res.Err)
	case len(res.IDs) == 0:
		return Outcome{Value: c.placeholders.NoResults, Format: FormatText}
	}
	return Outcome{Value: record.JoinIDs(res.IDs), Format: FormatText}
}

func getSum(c call) Outcome {
	return aggregateIDs(c, aggregate.Sum)
}

func getAggregate(c call) Outcome {
	return aggregateIDs(c, aggregate.ParseFunction(text(c.arg(3))))
}

func aggregateIDs(c call, fn aggregate.Function) Outcome {
	model, field := text(c.arg(0)), text(c.arg(1))
	if model == "" || field == "" {
		return Outcome{Error: errorf(CodeAllParametersRequired, "model and field are required")}
	}
	res := c.env.Aggregate.Aggregate(c.cell, model, field, ids(c.arg(2)), fn)
	return numeric(res, fn)
}

func getGroupedIDs(c call) Outcome {
	model, groupBy := text(c.arg(0)), text(c.arg(1))
	aggField := text(c.arg(2))
	fn := aggregate.ParseFunction(text(c.arg(3)))
	if model == "" || groupBy == "" || (aggField == "" && fn != aggregate.Count) {
		return Outcome{Error: errorf(CodeAllParametersRequired, "model, group_by and aggregate_field are required")}
	}
	rowLimit, ok := limit(c.arg(5))
	if !ok {
		return Outcome{Error: errorf(CodeInvalidArguments, "limit must be an integer")}
	}

	res := c.env.Aggregate.GroupAggregate(c.cell, model, groupBy, aggField, fn, domain.Parse(text(c.arg(4))), rowLimit)
	switch {
	case res.Err != nil:
		return failed(res.Err)
	case res.RequiresRefresh:
		return loading()
	case len(res.Groups) == 0:
		return Outcome{Value: c.placeholders.NoResults, Format: FormatText}
	}
	keys := make([]string, len(res.Groups))
	for i, g := range res.Groups {
		keys[i] = g.Key
	}
	return Outcome{Value: strings.Join(keys, ","), Format: FormatText}
}

func sumByDomain(c call) Outcome {
	model, field := text(c.arg(0)), text(c.arg(1))
	if model == "" || field == "" {
		return Outcome{Error: errorf(CodeAllParametersRequired, "model and field are required")}
	}
	res := c.env.Aggregate.SumByDomain(c.cell, model, field, domain.Parse(text(c.arg(2))))
	return numeric(res, aggregate.Sum)
}

func countByDomain(c call) Outcome {
	model := text(c.arg(0))
	if model == "" {
		return Outcome{Error: errorf(CodeAllParametersRequired, "model is required")}
	}
	res := c.env.Aggregate.CountByDomain(c.cell, model, domain.Parse(text(c.arg(1))))
	return numeric(res, aggregate.Count)
}

func numeric(res aggregate.Result, fn aggregate.Function) Outcome {
	switch {
	case res.RequiresRefresh:
		return loading()
	case res.Err != nil:
		return failed(res.Err)
	}
	format := FormatNumber
	if fn == aggregate.Count {
		format = FormatCount
	}
	return Outcome{Value: res.Value.InexactFloat64(), Format: format}
}
