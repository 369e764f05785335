package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestBuildGraphExplicitDependencies(t *testing.T) {
	doc := testDoc(map[string]ResourceDecl{
		"cluster": {Kind: "cluster", Fields: map[string]any{"region": "eu-west-1"}},
		"pool":    {Kind: "nodepool", Fields: map[string]any{"size": 3}, DependsOn: []string{"cluster"}},
	})

	graph, err := BuildGraph(doc)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	if got := graph.Dependencies("pool"); !reflect.DeepEqual(got, []string{"cluster"}) {
		t.Errorf("pool dependencies = %v, want [cluster]", got)
	}
	if got := graph.Dependents("cluster"); !reflect.DeepEqual(got, []string{"pool"}) {
		t.Errorf("cluster dependents = %v, want [pool]", got)
	}
	if graph.Len() != 2 {
		t.Errorf("Len = %d, want 2", graph.Len())
	}
}

func TestBuildGraphInfersReferences(t *testing.T) {
	doc := testDoc(map[string]ResourceDecl{
		"cluster": {Kind: "cluster", Fields: map[string]any{"region": "eu-west-1"}},
		"diag": {Kind: "diagnostic_setting", Fields: map[string]any{
			"target": "${cluster.id}",
			"nested": map[string]any{
				"workspaces": []any{"${logs.workspace_id}"},
			},
		}},
		"logs": {Kind: "log_workspace", Fields: map[string]any{"retention_days": 30}},
	})

	graph, err := BuildGraph(doc)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	want := []string{"cluster", "logs"}
	if got := graph.Dependencies("diag"); !reflect.DeepEqual(got, want) {
		t.Errorf("diag dependencies = %v, want %v", got, want)
	}
}

func TestBuildGraphMergesExplicitAndInferred(t *testing.T) {
	doc := testDoc(map[string]ResourceDecl{
		"a": {Kind: "cluster", Fields: map[string]any{}},
		"b": {Kind: "cluster", Fields: map[string]any{}},
		"c": {
			Kind:      "nodepool",
			Fields:    map[string]any{"cluster": "${a.id}"},
			DependsOn: []string{"b", "a"},
		},
	})

	graph, err := BuildGraph(doc)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}

	// Duplicates collapse, order is sorted.
	if got := graph.Dependencies("c"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("c dependencies = %v, want [a b]", got)
	}
}

func TestBuildGraphUnknownReference(t *testing.T) {
	doc := testDoc(map[string]ResourceDecl{
		"pool": {Kind: "nodepool", Fields: map[string]any{"cluster": "${ghost.id}"}},
	})

	_, err := BuildGraph(doc)
	if err == nil {
		t.Fatal("expected unknown reference error")
	}
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != ErrCodeUnknownReference {
		t.Fatalf("error = %v, want code %s", err, ErrCodeUnknownReference)
	}
	if !IsFatal(err) {
		t.Error("unknown reference should be fatal")
	}
}

func TestBuildGraphUnknownExplicitDependency(t *testing.T) {
	doc := testDoc(map[string]ResourceDecl{
		"pool": {Kind: "nodepool", DependsOn: []string{"missing"}},
	})

	if _, err := BuildGraph(doc); err == nil {
		t.Fatal("expected unknown reference error for explicit dependency")
	}
}

func TestBuildGraphCycleDetection(t *testing.T) {
	doc := testDoc(map[string]ResourceDecl{
		"a": {Kind: "cluster", DependsOn: []string{"c"}},
		"b": {Kind: "cluster", DependsOn: []string{"a"}},
		"c": {Kind: "cluster", DependsOn: []string{"b"}},
	})

	_, err := BuildGraph(doc)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != ErrCodeCycleDetected {
		t.Fatalf("error = %v, want code %s", err, ErrCodeCycleDetected)
	}
	// The message names every participant of the cycle.
	for _, name := range []string{"a", "b", "c"} {
		if !strings.Contains(engineErr.Message, name) {
			t.Errorf("cycle message %q does not mention %s", engineErr.Message, name)
		}
	}
}

func TestBuildGraphSelfReferenceIgnored(t *testing.T) {
	doc := testDoc(map[string]ResourceDecl{
		"a": {Kind: "cluster", Fields: map[string]any{"note": "${a.id}"}},
	})

	graph, err := BuildGraph(doc)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	if got := graph.Dependencies("a"); len(got) != 0 {
		t.Errorf("self reference produced dependencies %v", got)
	}
}

func TestBuildGraphRejectsEmptyNameAndKind(t *testing.T) {
	if _, err := BuildGraph(testDoc(map[string]ResourceDecl{"": {Kind: "cluster"}})); err == nil {
		t.Error("expected error for empty resource name")
	}
	if _, err := BuildGraph(testDoc(map[string]ResourceDecl{"a": {}})); err == nil {
		t.Error("expected error for empty kind")
	}
	if _, err := BuildGraph(nil); err == nil {
		t.Error("expected error for nil document")
	}
}

func TestBuildGraphNamesAreSorted(t *testing.T) {
	doc := testDoc(map[string]ResourceDecl{
		"zeta":  {Kind: "cluster"},
		"alpha": {Kind: "cluster"},
		"mid":   {Kind: "cluster"},
	})

	graph, err := BuildGraph(doc)
	if err != nil {
		t.Fatalf("BuildGraph: %v", err)
	}
	want := []string{"alpha", "mid", "zeta"}
	if got := graph.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names = %v, want %v", got, want)
	}
}
