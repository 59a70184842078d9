package util

import (
	"reflect"
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"", false, false},
		{"yes", false, true},
		{" ON ", false, true},
		{"0", true, false},
		{"Off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("FIELDSYNC_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("FIELDSYNC_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	def := 4 * time.Hour
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", def},
		{"90s", 90 * time.Second},
		{"30m", 30 * time.Minute},
		{"15", 15 * time.Second},
		{"-5m", def},
		{"soon", def},
	}
	for _, tt := range tests {
		t.Setenv("FIELDSYNC_TEST_DURATION", tt.value)
		if got := ParseDurationEnv("FIELDSYNC_TEST_DURATION", def); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestParseListEnv(t *testing.T) {
	t.Setenv("FIELDSYNC_TEST_LIST", "data/save, ,data/delete,")
	want := []string{"data/save", "data/delete"}
	if got := ParseListEnv("FIELDSYNC_TEST_LIST"); !reflect.DeepEqual(got, want) {
		t.Errorf("ParseListEnv = %v, want %v", got, want)
	}

	t.Setenv("FIELDSYNC_TEST_LIST", "  ")
	if got := ParseListEnv("FIELDSYNC_TEST_LIST"); got != nil {
		t.Errorf("Expected nil for blank value, got %v", got)
	}
}
