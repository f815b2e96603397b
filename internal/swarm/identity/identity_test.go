package identity

import "testing"

func TestHasCapability(t *testing.T) {
	id := NodeIdentity{Capabilities: []string{"code_review", "web_search"}}

	cases := []struct {
		name string
		cap  string
		want bool
	}{
		{"present", "code_review", true},
		{"absent", "sql", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := id.HasCapability(tc.cap); got != tc.want {
				t.Errorf("HasCapability(%q) = %v, want %v", tc.cap, got, tc.want)
			}
		})
	}
}

func TestHasAll(t *testing.T) {
	id := NodeIdentity{Capabilities: []string{"code_review", "web_search", "sql"}}

	cases := []struct {
		name     string
		required []string
		want     bool
	}{
		{"subset", []string{"code_review", "sql"}, true},
		{"missing one", []string{"code_review", "image_gen"}, false},
		{"empty required", nil, true},
		{"exact match", []string{"code_review", "web_search", "sql"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := id.HasAll(tc.required); got != tc.want {
				t.Errorf("HasAll(%v) = %v, want %v", tc.required, got, tc.want)
			}
		})
	}
}
