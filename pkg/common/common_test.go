package common

import (
	"reflect"
	"testing"
)

func TestNewEdgeKey_Symmetric(t *testing.T) {
	a := NewEdgeKey("Berlin", "Germany")
	b := NewEdgeKey("Germany", "Berlin")
	if a != b {
		t.Fatalf("expected symmetric keys, got %v and %v", a, b)
	}
	if a.Source != "Berlin" || a.Target != "Germany" {
		t.Fatalf("expected sorted endpoints, got %+v", a)
	}

	r := Relation{Source: "Germany", Target: "Berlin"}
	if r.Key() != a {
		t.Fatalf("relation key = %v, want %v", r.Key(), a)
	}
}

func TestSplitField(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "empty", input: "", want: nil},
		{name: "single", input: "chunk-1", want: []string{"chunk-1"}},
		{name: "multiple", input: "chunk-1<SEP>chunk-2", want: []string{"chunk-1", "chunk-2"}},
		{name: "blank segments", input: "<SEP> chunk-1 <SEP><SEP>", want: []string{"chunk-1"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := SplitField(tc.input)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("SplitField(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func TestJoinField_RoundTrip(t *testing.T) {
	in := []string{"a", "b", "c"}
	if got := SplitField(JoinField(in)); !reflect.DeepEqual(got, in) {
		t.Fatalf("round trip = %v, want %v", got, in)
	}
}
