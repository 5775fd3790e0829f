package store

import "testing"

func TestCanonicalizeIsKeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 1.0, "a": 2.0, "c": map[string]any{"y": 1.0, "x": 2.0}}
	b := map[string]any{"c": map[string]any{"x": 2.0, "y": 1.0}, "a": 2.0, "b": 1.0}

	got, err := canonicalize(a)
	if err != nil {
		t.Fatalf("canonicalize(a): %v", err)
	}
	want, err := canonicalize(b)
	if err != nil {
		t.Fatalf("canonicalize(b): %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("canonicalize not order-independent:\n  a=%s\n  b=%s", got, want)
	}
}

func TestCanonicalizeIsDeterministic(t *testing.T) {
	v := map[string]any{"tags": []any{"x", "y"}, "count": 3.0}
	first, err := canonicalize(v)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := canonicalize(v)
		if err != nil {
			t.Fatalf("canonicalize: %v", err)
		}
		if string(again) != string(first) {
			t.Fatalf("canonicalize not deterministic across calls")
		}
	}
}

func TestCanonicalizeDistinguishesValues(t *testing.T) {
	a := map[string]any{"x": 1.0}
	b := map[string]any{"x": 2.0}
	got, _ := canonicalize(a)
	other, _ := canonicalize(b)
	if string(got) == string(other) {
		t.Fatalf("expected different canonical bytes for different values")
	}
}
