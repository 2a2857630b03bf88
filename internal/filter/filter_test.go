package filter

import "testing"

func TestCompile_EmptySet(t *testing.T) {
	if got := Compile(Set{}); got != "" {
		t.Fatalf("Compile(empty) = %q, want \"\"", got)
	}
}

func TestCompile_InactiveConditionsExcluded(t *testing.T) {
	set := Set{
		Logic: LogicAnd,
		Conditions: []Condition{
			{Target: TargetData, Field: "", Operator: OpEqual, Value: "x", Type: TypeString},
			{Target: TargetData, Field: "status", Operator: OpEqual, Value: "", Type: TypeString},
		},
	}
	if got := Compile(set); got != "" {
		t.Fatalf("Compile = %q, want \"\" (no active conditions)", got)
	}
}

func TestCompile_SingleConditionUnparenthesized(t *testing.T) {
	set := Set{
		Logic: LogicAnd,
		Conditions: []Condition{
			{Target: TargetData, Field: "status", Operator: OpEqual, Value: "active", Type: TypeString},
		},
	}
	want := "data.status == 'active'"
	if got := Compile(set); got != want {
		t.Fatalf("Compile = %q, want %q", got, want)
	}
}

func TestCompile_TwoConditionsDefaultAnd(t *testing.T) {
	set := Set{
		Logic: LogicAnd,
		Conditions: []Condition{
			{Target: TargetData, Field: "status", Operator: OpEqual, Value: "active", Type: TypeString},
			{Target: TargetMeta, Field: "priority", Operator: OpGreater, Value: "5", Type: TypeNumber},
		},
	}
	want := "(data.status == 'active') && (meta.priority > 5)"
	if got := Compile(set); got != want {
		t.Fatalf("Compile = %q, want %q", got, want)
	}
}

func TestCompile_PerConditionLogicOverride(t *testing.T) {
	set := Set{
		Logic: LogicAnd,
		Conditions: []Condition{
			{Target: TargetData, Field: "a", Operator: OpEqual, Value: "1", Type: TypeNumber},
			{Target: TargetData, Field: "b", Operator: OpEqual, Value: "2", Type: TypeNumber, LogicAfter: LogicOr},
			{Target: TargetData, Field: "c", Operator: OpEqual, Value: "3", Type: TypeNumber},
		},
	}
	// joins attach index-by-index: first pair uses the default, the second
	// uses b's LogicAfter
	want := "(data.a == 1) && (data.b == 2) || (data.c == 3)"
	if got := Compile(set); got != want {
		t.Fatalf("Compile = %q, want %q", got, want)
	}
}

func TestCompile_Operators(t *testing.T) {
	cases := []struct {
		name string
		cond Condition
		want string
	}{
		{
			name: "contains",
			cond: Condition{Target: TargetData, Field: "tags", Operator: OpContains, Value: "urgent", Type: TypeString},
			want: "data.tags CONTAINS 'urgent'",
		},
		{
			name: "not contains",
			cond: Condition{Target: TargetData, Field: "tags", Operator: OpNotContains, Value: "spam", Type: TypeString},
			want: "!(data.tags CONTAINS 'spam')",
		},
		{
			name: "like",
			cond: Condition{Target: TargetMeta, Field: "region", Operator: OpLike, Value: "eu-*", Type: TypeString},
			want: "meta.region LIKE 'eu-*'",
		},
		{
			name: "boolean",
			cond: Condition{Target: TargetData, Field: "archived", Operator: OpEqual, Value: "true", Type: TypeBoolean},
			want: "data.archived == 'true'",
		},
		{
			name: "boolean empty value defaults false",
			cond: Condition{Target: TargetData, Field: "archived", Operator: OpEqual, Type: TypeBoolean},
			want: "data.archived == 'false'",
		},
		{
			name: "expression verbatim",
			cond: Condition{Target: TargetData, Field: "count", Operator: OpEqual, Value: "limit * 0.8", Type: TypeExpression},
			want: "data.count == limit * 0.8",
		},
		{
			name: "string quote escaping",
			cond: Condition{Target: TargetData, Field: "name", Operator: OpEqual, Value: "o'brien", Type: TypeString},
			want: `data.name == 'o\'brien'`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Compile(Set{Conditions: []Condition{tc.cond}})
			if got != tc.want {
				t.Fatalf("Compile = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCompile_FieldPathPrefixes(t *testing.T) {
	cases := []struct {
		field  string
		target Target
		want   string
	}{
		{"status", TargetData, "data.status == 1"},
		{"data.status", TargetMeta, "data.status == 1"},
		{"meta.rank", TargetData, "meta.rank == 1"},
		{"[0]", TargetData, "data[0] == 1"},
		{"['key']", TargetMeta, "meta['key'] == 1"},
	}
	for _, tc := range cases {
		set := Set{Conditions: []Condition{
			{Target: tc.target, Field: tc.field, Operator: OpEqual, Value: "1", Type: TypeNumber},
		}}
		if got := Compile(set); got != tc.want {
			t.Fatalf("Compile(field=%q target=%q) = %q, want %q", tc.field, tc.target, got, tc.want)
		}
	}
}

func TestComplete(t *testing.T) {
	complete := Set{Conditions: []Condition{
		{Target: TargetData, Field: "a", Operator: OpEqual, Value: "1", Type: TypeNumber},
	}}
	if !Complete(complete) {
		t.Fatalf("Complete = false, want true")
	}
	incomplete := Set{Conditions: []Condition{
		{Target: TargetData, Field: "a", Operator: OpEqual, Value: "", Type: TypeNumber},
	}}
	if Complete(incomplete) {
		t.Fatalf("Complete = true, want false")
	}
}

func TestEqual(t *testing.T) {
	a := Set{Logic: LogicAnd, Conditions: []Condition{
		{ID: 1, Target: TargetData, Field: "a", Operator: OpEqual, Value: "1", Type: TypeNumber},
	}}
	b := Set{Logic: LogicAnd, Conditions: []Condition{
		{ID: 1, Target: TargetData, Field: "a", Operator: OpEqual, Value: "1", Type: TypeNumber},
	}}
	if !Equal(a, b) {
		t.Fatalf("Equal = false, want true")
	}

	b.Conditions[0].LogicAfter = LogicOr
	if Equal(a, b) {
		t.Fatalf("Equal = true after LogicAfter change, want false")
	}

	b.Conditions[0].LogicAfter = ""
	b.Logic = LogicOr
	if Equal(a, b) {
		t.Fatalf("Equal = true after default logic change, want false")
	}
}
