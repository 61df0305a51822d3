package utils

import "testing"

func TestExtractField(t *testing.T) {
	doc := []byte(`{"id":"u1","n":7,"price":1.5,"ok":true,"meta":{"region":{"code":"eu-1"}},"tags":["a"],"none":null}`)

	cases := []struct {
		path string
		want string
		ok   bool
	}{
		{"id", "u1", true},
		{"n", "7", true},
		{"price", "1.5", true},
		{"ok", "true", true},
		{"meta.region.code", "eu-1", true},
		{"meta.region", "", false}, // object leaf unsupported
		{"tags", "", false},        // array leaf unsupported
		{"none", "", false},
		{"missing", "", false},
		{"meta.missing.deep", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := ExtractField(doc, tc.path)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ExtractField(%q) = %q, %v; want %q, %v", tc.path, got, ok, tc.want, tc.ok)
		}
	}
}

func TestExtractFieldInvalidJSON(t *testing.T) {
	if _, ok := ExtractField([]byte("not-json"), "id"); ok {
		t.Fatalf("extracted a field from invalid JSON")
	}
	if _, ok := ExtractField(nil, "id"); ok {
		t.Fatalf("extracted a field from an empty document")
	}
}
