package config

import (
	"testing"
	"time"
)

func TestAsString(t *testing.T) {
	tests := []struct {
		input interface{}
		want  string
	}{
		{"hello", "hello"},
		{123, "123"},
		{true, "true"},
		{nil, ""},
		{[]byte("bytes"), "bytes"},
	}
	for _, tt := range tests {
		got, err := asString(tt.input)
		if err != nil {
			t.Errorf("asString(%v) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("asString(%v) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestAsInt(t *testing.T) {
	tests := []struct {
		input interface{}
		want  int
	}{
		{123, 123},
		{"456", 456},
		{int64(789), 789},
		{float64(10.0), 10},
		{nil, 0},
	}
	for _, tt := range tests {
		got, err := asInt(tt.input)
		if err != nil {
			t.Errorf("asInt(%v) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("asInt(%v) = %d, want %d", tt.input, got, tt.want)
		}
	}
	if _, err := asInt("ten"); err == nil {
		t.Error("asInt(\"ten\") should fail")
	}
}

func TestAsFloat64(t *testing.T) {
	tests := []struct {
		input interface{}
		want  float64
	}{
		{1.5, 1.5},
		{2, 2},
		{int32(3), 3},
		{"0.25", 0.25},
		{nil, 0},
	}
	for _, tt := range tests {
		got, err := asFloat64(tt.input)
		if err != nil {
			t.Errorf("asFloat64(%v) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("asFloat64(%v) = %g, want %g", tt.input, got, tt.want)
		}
	}
}

func TestAsDuration(t *testing.T) {
	tests := []struct {
		input interface{}
		want  time.Duration
	}{
		{"2m", 2 * time.Minute},
		{"0s", 0},
		{30, 30 * time.Second},
		{time.Second, time.Second},
		{nil, 0},
	}
	for _, tt := range tests {
		got, err := asDuration(tt.input)
		if err != nil {
			t.Errorf("asDuration(%v) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("asDuration(%v) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestLookupSettingCandidates(t *testing.T) {
	settings := map[string]interface{}{"graceful_stop": "5s"}
	raw, ok := lookupSetting(settings, "gracefulstop", "graceful_stop")
	if !ok || raw != "5s" {
		t.Errorf("lookupSetting = %v/%v, want 5s/true", raw, ok)
	}
	if _, ok := lookupSetting(settings, "missing"); ok {
		t.Error("lookupSetting found a missing key")
	}
}

func TestToStringKeyMapLowercases(t *testing.T) {
	m, err := toStringKeyMap(map[interface{}]interface{}{" Name ": "x"})
	if err != nil {
		t.Fatalf("toStringKeyMap error = %v", err)
	}
	if m["name"] != "x" {
		t.Errorf("map = %v, want lower-cased trimmed key", m)
	}
	if _, err := toStringKeyMap([]string{"a"}); err == nil {
		t.Error("toStringKeyMap on a slice should fail")
	}
}

func TestAsStringSliceKeepsSingleString(t *testing.T) {
	got, err := asStringSlice("checks:rate > 0.9")
	if err != nil {
		t.Fatalf("asStringSlice error = %v", err)
	}
	if len(got) != 1 || got[0] != "checks:rate > 0.9" {
		t.Errorf("asStringSlice = %q, want one unsplit entry", got)
	}

	got, err = asStringSlice([]interface{}{"a", 2})
	if err != nil {
		t.Fatalf("asStringSlice error = %v", err)
	}
	if len(got) != 2 || got[1] != "2" {
		t.Errorf("asStringSlice = %q, want [a 2]", got)
	}
}

func TestAsStringMap(t *testing.T) {
	got, err := asStringMap(map[interface{}]interface{}{"x-tenant": "blue", "retries": 3})
	if err != nil {
		t.Fatalf("asStringMap error = %v", err)
	}
	if got["x-tenant"] != "blue" || got["retries"] != "3" {
		t.Errorf("asStringMap = %v", got)
	}
	if _, err := asStringMap(map[string]interface{}{" ": "v"}); err == nil {
		t.Error("asStringMap should reject an empty key")
	}
	if _, err := asStringMap(42); err == nil {
		t.Error("asStringMap should reject a number")
	}
}

func TestBlankStringsAreUnset(t *testing.T) {
	if v, err := asInt("  "); err != nil || v != 0 {
		t.Errorf("asInt(blank) = %d, %v", v, err)
	}
	if v, err := asBool(""); err != nil || v {
		t.Errorf("asBool(blank) = %v, %v", v, err)
	}
	if v, err := asFloat64(" "); err != nil || v != 0 {
		t.Errorf("asFloat64(blank) = %g, %v", v, err)
	}
	if v, err := asBool(" yes "); err == nil {
		t.Errorf("asBool(yes) = %v, want error", v)
	}
}
