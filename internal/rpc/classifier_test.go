package rpc

import "testing"

func TestIsMutation(t *testing.T) {
	cases := map[string]bool{
		"data/saveMaterial":     true,
		"data/deleteVisit":      true,
		"data/assignCrew":       true,
		"data/save":             true,
		"data/loadMaterial":     false,
		"data/loadUnits":        false,
		"save":                  false,
		"Data/saveMaterial":     false,
		"":                      false,
		"report/data/saveThing": false,
	}
	for method, want := range cases {
		if got := IsMutation(method); got != want {
			t.Errorf("IsMutation(%q) = %v, want %v", method, got, want)
		}
	}
}

func TestNewClassifierCustomPrefixes(t *testing.T) {
	c := NewClassifier("data/save", " ", "", "inspections/close")
	if len(c.Prefixes()) != 2 {
		t.Fatalf("blank prefixes should be ignored, got %v", c.Prefixes())
	}
	if !c.IsMutation("inspections/closeAct") {
		t.Error("custom prefix not recognised")
	}
	if c.IsMutation("data/deleteVisit") {
		t.Error("prefix outside the configured set matched")
	}
	if c.IsMutation("anything") {
		t.Error("blank prefix must not match everything")
	}
}

func TestNilClassifier(t *testing.T) {
	var c *Classifier
	if c.IsMutation("data/save") {
		t.Error("nil classifier should classify nothing as a mutation")
	}
}
