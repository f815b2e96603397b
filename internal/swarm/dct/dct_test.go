package dct

import (
	"errors"
	"testing"
	"time"
)

func testManager() *Manager {
	return NewManager([]byte("test-dct-secret-key-0123456789ab"), 5, time.Hour)
}

func TestCreateRootTokenVerifies(t *testing.T) {
	m := testManager()
	root := m.CreateRootToken("origin", []Caveat{{Type: CaveatReadOnly, ReadOnly: true}}, nil)
	if root.Depth != 0 {
		t.Fatalf("Depth = %d, want 0", root.Depth)
	}
	if err := m.Verify(root); err != nil {
		t.Fatalf("Verify root: %v", err)
	}
}

func TestAttenuateNarrowsAndVerifies(t *testing.T) {
	m := testManager()
	root := m.CreateRootToken("origin", []Caveat{
		{Type: CaveatToolRestriction, Tools: []string{"grep", "sql", "curl"}},
		{Type: CaveatCostLimit, Limit: 10},
	}, nil)

	child, err := m.Attenuate(root, []Caveat{
		{Type: CaveatToolRestriction, Tools: []string{"grep"}},
		{Type: CaveatCostLimit, Limit: 2},
	}, "delegate-a")
	if err != nil {
		t.Fatalf("Attenuate: %v", err)
	}
	if child.Depth != 1 {
		t.Fatalf("Depth = %d, want 1", child.Depth)
	}
	if child.ParentDCTID != root.DCTID {
		t.Fatalf("ParentDCTID mismatch")
	}
	if err := m.Verify(child); err != nil {
		t.Fatalf("Verify child: %v", err)
	}
}

func TestAttenuateRejectsWideningTools(t *testing.T) {
	m := testManager()
	root := m.CreateRootToken("origin", []Caveat{
		{Type: CaveatToolRestriction, Tools: []string{"grep"}},
	}, nil)

	_, err := m.Attenuate(root, []Caveat{
		{Type: CaveatToolRestriction, Tools: []string{"grep", "curl"}},
	}, "delegate-a")
	if err == nil {
		t.Fatalf("expected error widening the tool allowlist beyond parent's")
	}
}

func TestAttenuateRejectsRaisingCostLimit(t *testing.T) {
	m := testManager()
	root := m.CreateRootToken("origin", []Caveat{
		{Type: CaveatCostLimit, Limit: 5},
	}, nil)

	_, err := m.Attenuate(root, []Caveat{
		{Type: CaveatCostLimit, Limit: 50},
	}, "delegate-a")
	if err == nil {
		t.Fatalf("expected error raising cost_limit above parent's")
	}
}

func TestAttenuateRejectsRemovingReadOnly(t *testing.T) {
	m := testManager()
	root := m.CreateRootToken("origin", []Caveat{
		{Type: CaveatReadOnly, ReadOnly: true},
	}, nil)

	_, err := m.Attenuate(root, []Caveat{
		{Type: CaveatReadOnly, ReadOnly: false},
	}, "delegate-a")
	if err == nil {
		t.Fatalf("expected error removing read_only restriction")
	}
}

func TestAttenuateRejectsDepthExceeded(t *testing.T) {
	m := NewManager([]byte("test-dct-secret-key-0123456789ab"), 2, time.Hour)
	root := m.CreateRootToken("origin", nil, nil)
	child, err := m.Attenuate(root, nil, "delegate-a")
	if err != nil {
		t.Fatalf("Attenuate depth 1: %v", err)
	}
	_, err = m.Attenuate(child, nil, "delegate-b")
	if !errors.Is(err, ErrDepthExceeded) {
		t.Fatalf("expected ErrDepthExceeded, got %v", err)
	}
}

func TestRevokeIsTransitiveToDescendants(t *testing.T) {
	m := testManager()
	root := m.CreateRootToken("origin", nil, nil)
	child, err := m.Attenuate(root, nil, "delegate-a")
	if err != nil {
		t.Fatalf("Attenuate: %v", err)
	}
	grandchild, err := m.Attenuate(child, nil, "delegate-b")
	if err != nil {
		t.Fatalf("Attenuate: %v", err)
	}

	m.Revoke(root.DCTID)

	if err := m.Verify(grandchild); !errors.Is(err, ErrRevoked) {
		t.Fatalf("expected revocation to propagate to grandchild, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := testManager()
	past := time.Now().Add(-time.Minute)
	root := m.CreateRootToken("origin", nil, &past)

	if err := m.Verify(root); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyDetectsForgedSignature(t *testing.T) {
	m := testManager()
	root := m.CreateRootToken("origin", nil, nil)
	root.Signature = "forged"

	if err := m.Verify(root); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestValidateRequestDeniesToolNotInAllowlist(t *testing.T) {
	m := testManager()
	root := m.CreateRootToken("origin", []Caveat{
		{Type: CaveatToolRestriction, Tools: []string{"grep"}},
	}, nil)

	err := m.ValidateRequest(root, Request{Tool: "curl"})
	if !errors.Is(err, ErrCapabilityViolation) {
		t.Fatalf("expected ErrCapabilityViolation, got %v", err)
	}
}

func TestValidateRequestAllowsWithinLimits(t *testing.T) {
	m := testManager()
	root := m.CreateRootToken("origin", []Caveat{
		{Type: CaveatCostLimit, Limit: 10},
		{Type: CaveatToolRestriction, Tools: []string{"grep"}},
	}, nil)

	if err := m.ValidateRequest(root, Request{Tool: "grep", CostUSD: 5}); err != nil {
		t.Fatalf("ValidateRequest: %v", err)
	}
}

func TestValidateRequestDeniesCostOverLimit(t *testing.T) {
	m := testManager()
	root := m.CreateRootToken("origin", []Caveat{
		{Type: CaveatCostLimit, Limit: 1},
	}, nil)

	err := m.ValidateRequest(root, Request{CostUSD: 2})
	if !errors.Is(err, ErrCapabilityViolation) {
		t.Fatalf("expected ErrCapabilityViolation for over-limit cost, got %v", err)
	}
}

func TestCleanupPurgesUnreferencedRevokedTokens(t *testing.T) {
	m := testManager()
	root := m.CreateRootToken("origin", nil, nil)
	m.Revoke(root.DCTID)

	removed := m.Cleanup()
	if removed != 1 {
		t.Fatalf("Cleanup removed = %d, want 1", removed)
	}
	if _, ok := m.Get(root.DCTID); ok {
		t.Fatalf("expected revoked root to be purged")
	}
}

func TestCleanupKeepsReferencedParent(t *testing.T) {
	m := testManager()
	root := m.CreateRootToken("origin", nil, nil)
	_, err := m.Attenuate(root, nil, "delegate-a")
	if err != nil {
		t.Fatalf("Attenuate: %v", err)
	}
	m.Revoke(root.DCTID)

	m.Cleanup()
	if _, ok := m.Get(root.DCTID); !ok {
		t.Fatalf("expected root still referenced by a child to survive cleanup")
	}
}
