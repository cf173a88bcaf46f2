package domain

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestParseForms(t *testing.T) {
	tests := []struct {
		name   string
		filter string
		want   Domain
	}{
		{
			name:   "empty filter",
			filter: "",
			want:   nil,
		},
		{
			name:   "explicit form",
			filter: "state:in:draft,posted",
			want:   Domain{{Field: "state", Operator: OpIn, Value: []any{"draft", "posted"}}},
		},
		{
			name:   "tilde form",
			filter: "name~acme",
			want:   Domain{{Field: "name", Operator: OpILike, Value: "acme"}},
		},
		{
			name:   "equal form with wildcard",
			filter: "name=%acme%",
			want:   Domain{{Field: "name", Operator: OpILike, Value: "%acme%"}},
		},
		{
			name:   "mixed clauses",
			filter: "is_company=1; name~acme",
			want: Domain{
				{Field: "is_company", Operator: OpEqual, Value: float64(1)},
				{Field: "name", Operator: OpILike, Value: "acme"},
			},
		},
		{
			name:   "greater and less",
			filter: "amount>100;amount<500",
			want: Domain{
				{Field: "amount", Operator: OpGreater, Value: float64(100)},
				{Field: "amount", Operator: OpLess, Value: float64(500)},
			},
		},
		{
			name:   "inclusive bounds",
			filter: "amount>=100;amount<=500",
			want: Domain{
				{Field: "amount", Operator: OpGreaterEqual, Value: float64(100)},
				{Field: "amount", Operator: OpLessEqual, Value: float64(500)},
			},
		},
		{
			name:   "not equal spellings",
			filter: "state!=draft;state!cancel",
			want: Domain{
				{Field: "state", Operator: OpNotEqual, Value: "draft"},
				{Field: "state", Operator: OpNotEqual, Value: "cancel"},
			},
		},
		{
			name:   "value keeps extra separators",
			filter: "ref=a=b:c",
			want:   Domain{{Field: "ref", Operator: OpEqual, Value: "a=b:c"}},
		},
		{
			name:   "unknown explicit operator falls through",
			filter: "note=see:here:there",
			want:   Domain{{Field: "note", Operator: OpEqual, Value: "see:here:there"}},
		},
		{
			name:   "invalid clauses dropped",
			filter: "garbage;=5;1abc=3;name=;;partner_id.name=Bob",
			want:   Domain{{Field: "partner_id.name", Operator: OpEqual, Value: "Bob"}},
		},
		{
			name:   "numeric coercion is strict",
			filter: "code=12abc;ratio=.5;big=1e3;neg=-4",
			want: Domain{
				{Field: "code", Operator: OpEqual, Value: "12abc"},
				{Field: "ratio", Operator: OpEqual, Value: 0.5},
				{Field: "big", Operator: OpEqual, Value: float64(1000)},
				{Field: "neg", Operator: OpEqual, Value: float64(-4)},
			},
		},
		{
			name:   "in list elements trimmed and coerced",
			filter: "id:in: 1, 2 ,,x",
			want:   Domain{{Field: "id", Operator: OpIn, Value: []any{float64(1), float64(2), "x"}}},
		},
		{
			name:   "operator token case insensitive",
			filter: "name:ILIKE:Ac%",
			want:   Domain{{Field: "name", Operator: OpILike, Value: "Ac%"}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Parse(tc.filter)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("Parse(%q) mismatch (-want +got):\n%s", tc.filter, diff)
			}
		})
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	filters := []string{
		"is_company=1; name~acme",
		"amount>=10.25;amount<1e21",
		"state:in:draft, posted ,3",
		"ref=a=b:c;x!y",
		"name=%a:b%;partner_id.id:=:7",
		"",
	}
	for _, filter := range filters {
		parsed := Parse(filter)
		again := Parse(Serialize(parsed))
		if diff := cmp.Diff(parsed, again); diff != "" {
			t.Fatalf("round trip of %q changed domain (-first +second):\n%s", filter, diff)
		}
	}
}

func TestIDHint(t *testing.T) {
	id, ok := Parse("name~x;id=42;id=7").IDHint()
	require.True(t, ok)
	require.Equal(t, int64(42), id)

	_, ok = Parse("id>3").IDHint()
	require.False(t, ok)

	_, ok = Parse("id=abc").IDHint()
	require.False(t, ok)
}

func TestOrDefault(t *testing.T) {
	require.Equal(t, Default(), Parse("").OrDefault())
	require.Equal(t, Default(), Parse("  ;  ").OrDefault())

	custom := Parse("active=1")
	require.Equal(t, custom, custom.OrDefault())
}

func TestTriplesEmitIntegers(t *testing.T) {
	got := Parse("id:in:1,2.5;name=Bob").Triples()
	want := [][]any{
		{"id", "in", []any{int64(1), 2.5}},
		{"name", "=", "Bob"},
	}
	require.Equal(t, want, got)
}

func TestParseOperatorAliases(t *testing.T) {
	op, ok := ParseOperator("==")
	require.True(t, ok)
	require.Equal(t, OpEqual, op)

	op, ok = ParseOperator("<>")
	require.True(t, ok)
	require.Equal(t, OpNotEqual, op)

	_, ok = ParseOperator("like")
	require.False(t, ok)
}

func TestFromTriples(t *testing.T) {
	got := FromTriples([]Triple{
		{Field: "state", Operator: "in", Value: "sale, done"},
		{Field: "amount_total", Operator: ">=", Value: "100"},
		{Field: "name", Operator: "like", Value: "x"},
		{Field: "", Operator: "=", Value: "x"},
		{Field: "note", Operator: "=", Value: "a;b"},
	})
	want := Domain{
		{Field: "state", Operator: OpIn, Value: []any{"sale", "done"}},
		{Field: "amount_total", Operator: OpGreaterEqual, Value: float64(100)},
		{Field: "note", Operator: OpEqual, Value: "a;b"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("FromTriples mismatch (-want +got):\n%s", diff)
	}
}
