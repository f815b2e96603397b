package pathguard

import "testing"

func TestAllowedWithEmptyAllowListAllowsUnlessDenied(t *testing.T) {
	g := NewGuard(nil, []string{"/secrets/*"}, 0)
	if !g.Allowed("/data/readme.md") {
		t.Fatalf("expected path to be allowed when no allow list is set")
	}
	if g.Allowed("/secrets/key.pem") {
		t.Fatalf("expected denied path to be rejected")
	}
}

func TestAllowedDenyWinsOverAllow(t *testing.T) {
	g := NewGuard([]string{"/data/*"}, []string{"/data/*"}, 0)
	if g.Allowed("/data/readme.md") {
		t.Fatalf("expected deny to win over an overlapping allow rule")
	}
}

func TestAllowedWildcardSegmentMatch(t *testing.T) {
	g := NewGuard([]string{"/data/*/readme.md"}, nil, 0)
	if !g.Allowed("/data/project-a/readme.md") {
		t.Fatalf("expected wildcard segment to match")
	}
	if g.Allowed("/data/project-a/other.md") {
		t.Fatalf("expected non-matching final segment to be rejected")
	}
}

func TestAllowedRequiresExplicitAllowEntry(t *testing.T) {
	g := NewGuard([]string{"/data/*"}, nil, 0)
	if g.Allowed("/other/readme.md") {
		t.Fatalf("expected path outside allow list to be rejected")
	}
}

func TestAllowedSegmentCountMustMatch(t *testing.T) {
	g := NewGuard([]string{"/data/*"}, nil, 0)
	if g.Allowed("/data/nested/readme.md") {
		t.Fatalf("expected differing segment counts to not match")
	}
}

func TestWithinSizeZeroCeilingIsUnbounded(t *testing.T) {
	g := NewGuard(nil, nil, 0)
	if !g.WithinSize(1 << 30) {
		t.Fatalf("expected a zero ceiling to allow any size")
	}
}

func TestWithinSizeEnforcesCeiling(t *testing.T) {
	g := NewGuard(nil, nil, 100)
	if !g.WithinSize(100) {
		t.Fatalf("expected size equal to ceiling to be within bounds")
	}
	if g.WithinSize(101) {
		t.Fatalf("expected size over ceiling to be rejected")
	}
}

func TestRedactReplacesSensitiveKeys(t *testing.T) {
	in := map[string]any{
		"username": "alice",
		"password": "hunter2",
		"nested": map[string]any{
			"api_key": "sk-123",
			"note":    "keep me",
		},
	}
	out := Redact(in).(map[string]any)

	if out["password"] != "[REDACTED]" {
		t.Fatalf("expected top-level password to be redacted, got %v", out["password"])
	}
	if out["username"] != "alice" {
		t.Fatalf("expected non-sensitive key to survive untouched")
	}
	nested := out["nested"].(map[string]any)
	if nested["api_key"] != "[REDACTED]" {
		t.Fatalf("expected nested api_key to be redacted, got %v", nested["api_key"])
	}
	if nested["note"] != "keep me" {
		t.Fatalf("expected nested non-sensitive key to survive untouched")
	}
}

func TestRedactIsCaseInsensitive(t *testing.T) {
	in := map[string]any{"API_Key": "sk-123"}
	out := Redact(in).(map[string]any)
	if out["API_Key"] != "[REDACTED]" {
		t.Fatalf("expected case-insensitive match on sensitive key name, got %v", out["API_Key"])
	}
}

func TestRedactSkipsPrototypePollutionKeys(t *testing.T) {
	in := map[string]any{
		"__proto__": map[string]any{"password": "x"},
		"ok":        "value",
	}
	out := Redact(in).(map[string]any)
	if _, present := out["__proto__"]; present {
		t.Fatalf("expected __proto__ key to be dropped entirely")
	}
	if out["ok"] != "value" {
		t.Fatalf("expected unrelated key to survive")
	}
}

func TestRedactWalksSlices(t *testing.T) {
	in := map[string]any{
		"items": []any{
			map[string]any{"token": "abc"},
			map[string]any{"token": "def"},
		},
	}
	out := Redact(in).(map[string]any)
	items := out["items"].([]any)
	for i, item := range items {
		m := item.(map[string]any)
		if m["token"] != "[REDACTED]" {
			t.Fatalf("items[%d] token not redacted: %v", i, m["token"])
		}
	}
}

func TestRedactLeavesScalarsUntouched(t *testing.T) {
	if got := Redact("plain string"); got != "plain string" {
		t.Fatalf("Redact(scalar) = %v, want unchanged", got)
	}
	if got := Redact(42); got != 42 {
		t.Fatalf("Redact(int) = %v, want unchanged", got)
	}
}
