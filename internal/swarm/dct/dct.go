// Package dct implements the macaroon-style DelegationCapabilityToken
// described in spec.md §3/§4.5: an ordered caveat list with an HMAC
// signature chain, attenuated strictly narrower at each hop.
package dct

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CaveatType enumerates the restriction kinds a DCT link may carry.
type CaveatType string

const (
	CaveatToolRestriction   CaveatType = "tool_restriction"
	CaveatPathRestriction   CaveatType = "path_restriction"
	CaveatCostLimit         CaveatType = "cost_limit"
	CaveatTokenLimit        CaveatType = "token_limit"
	CaveatReadOnly          CaveatType = "read_only"
	CaveatTimeBound         CaveatType = "time_bound"
	CaveatDomainRestriction CaveatType = "domain_restriction"
)

// Caveat is one constraint attached to a token.
type Caveat struct {
	Type CaveatType `json:"type"`
	// Tools / Paths / Domains are set-valued caveats (tool_restriction,
	// path_restriction, domain_restriction): the allowed set.
	Tools   []string `json:"tools,omitempty"`
	Paths   []string `json:"paths,omitempty"`
	Domains []string `json:"domains,omitempty"`
	// Limit is the numeric bound for cost_limit / token_limit.
	Limit float64 `json:"limit,omitempty"`
	// ReadOnly is set for the read_only caveat.
	ReadOnly bool `json:"read_only,omitempty"`
	// ExpiresAt is set for the time_bound caveat.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Token is a DelegationCapabilityToken.
type Token struct {
	DCTID        string    `json:"dct_id"`
	RootDelegator string   `json:"root_delegator"`
	Holder       string    `json:"holder"`
	ParentDCTID  string    `json:"parent_dct_id,omitempty"`
	Caveats      []Caveat  `json:"caveats"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	Signature    string    `json:"signature"`
	Revoked      bool      `json:"revoked"`
	Depth        int       `json:"depth"`
}

// Request is what ValidateRequest checks a token against.
type Request struct {
	Tool     string
	Path     string
	Domain   string
	CostUSD  float64
	Tokens   float64
}

var (
	ErrRevoked       = errors.New("dct: token or ancestor revoked")
	ErrExpired       = errors.New("dct: token expired")
	ErrDepthExceeded = errors.New("dct: chain depth exceeds maximum")
	ErrBadSignature  = errors.New("dct: signature mismatch")
)

// Manager tracks every issued token (in-memory, single process) so
// attenuate/verify/revoke can look up ancestors and descendants.
type Manager struct {
	mu           sync.RWMutex
	secret       []byte
	maxDepth     int
	defaultTTL   time.Duration
	tokens       map[string]*Token
	childrenOf   map[string][]string
}

// NewManager constructs a DCT manager. secret should be the HKDF-derived
// DCT subkey (see attestation.DCTKey), not the raw swarm secret.
func NewManager(secret []byte, maxDepth int, defaultTTL time.Duration) *Manager {
	return &Manager{
		secret:     secret,
		maxDepth:   maxDepth,
		defaultTTL: defaultTTL,
		tokens:     make(map[string]*Token),
		childrenOf: make(map[string][]string),
	}
}

func caveatsJSON(caveats []Caveat) []byte {
	raw, _ := json.Marshal(caveats)
	return raw
}

func signRoot(secret []byte, dctID string, caveats []Caveat) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(dctID))
	mac.Write(caveatsJSON(caveats))
	return hex.EncodeToString(mac.Sum(nil))
}

func signLink(secret []byte, dctID, prevSig string, caveats []Caveat) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(dctID))
	mac.Write([]byte(prevSig))
	mac.Write(caveatsJSON(caveats))
	return hex.EncodeToString(mac.Sum(nil))
}

// CreateRootToken mints a fresh, unattenuated token.
func (m *Manager) CreateRootToken(holder string, caveats []Caveat, expiry *time.Time) *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	exp := time.Time{}
	if expiry != nil {
		exp = *expiry
	} else if m.defaultTTL > 0 {
		exp = time.Now().Add(m.defaultTTL)
	}
	t := &Token{
		DCTID:         id,
		RootDelegator: holder,
		Holder:        holder,
		Caveats:       caveats,
		CreatedAt:     time.Now().UTC(),
		ExpiresAt:     exp,
		Depth:         0,
	}
	t.Signature = signRoot(m.secret, t.DCTID, t.Caveats)
	m.tokens[id] = t
	return t
}

// Attenuate derives a child token, strictly narrower than parent.
func (m *Manager) Attenuate(parent *Token, newCaveats []Caveat, newHolder string) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if parent.Revoked || m.anyAncestorRevoked(parent) {
		return nil, ErrRevoked
	}
	if parent.Depth+1 >= m.maxDepth {
		return nil, ErrDepthExceeded
	}
	if err := validateNarrowing(parent.Caveats, newCaveats); err != nil {
		return nil, err
	}

	merged := mergeCaveats(parent.Caveats, newCaveats)
	id := uuid.NewString()
	child := &Token{
		DCTID:         id,
		RootDelegator: parent.RootDelegator,
		Holder:        newHolder,
		ParentDCTID:   parent.DCTID,
		Caveats:       merged,
		CreatedAt:     time.Now().UTC(),
		ExpiresAt:     parent.ExpiresAt,
		Depth:         parent.Depth + 1,
	}
	child.Signature = signLink(m.secret, child.DCTID, parent.Signature, child.Caveats)
	m.tokens[id] = child
	m.childrenOf[parent.DCTID] = append(m.childrenOf[parent.DCTID], id)
	return child, nil
}

// validateNarrowing rejects a new caveat set that is less restrictive than
// parent's: tool/path/domain sets may only shrink (no new entries added
// relative to what the parent already allowed... unless the parent placed
// no restriction of that type at all), and numeric limits may only
// decrease.
func validateNarrowing(parentCaveats, newCaveats []Caveat) error {
	byType := make(map[CaveatType]Caveat)
	for _, c := range parentCaveats {
		byType[c.Type] = c
	}
	for _, nc := range newCaveats {
		pc, hadParent := byType[nc.Type]
		switch nc.Type {
		case CaveatCostLimit, CaveatTokenLimit:
			if hadParent && nc.Limit > pc.Limit {
				return fmt.Errorf("dct: %s exceeds parent's limit (%v > %v)", nc.Type, nc.Limit, pc.Limit)
			}
		case CaveatToolRestriction:
			if hadParent && !subsetOf(nc.Tools, pc.Tools) {
				return fmt.Errorf("dct: tool_restriction adds tools not in parent allowlist")
			}
		case CaveatPathRestriction:
			if hadParent && !subsetOf(nc.Paths, pc.Paths) {
				return fmt.Errorf("dct: path_restriction adds paths not in parent allowlist")
			}
		case CaveatDomainRestriction:
			if hadParent && !subsetOf(nc.Domains, pc.Domains) {
				return fmt.Errorf("dct: domain_restriction adds domains not in parent allowlist")
			}
		case CaveatTimeBound:
			if hadParent && !pc.ExpiresAt.IsZero() && (nc.ExpiresAt.IsZero() || nc.ExpiresAt.After(pc.ExpiresAt)) {
				return fmt.Errorf("dct: time_bound expiry exceeds parent's")
			}
		case CaveatReadOnly:
			if hadParent && pc.ReadOnly && !nc.ReadOnly {
				return fmt.Errorf("dct: cannot remove read_only restriction")
			}
		}
	}
	return nil
}

func subsetOf(sub, super []string) bool {
	allowed := make(map[string]bool, len(super))
	for _, s := range super {
		allowed[s] = true
	}
	for _, s := range sub {
		if !allowed[s] {
			return false
		}
	}
	return true
}

// mergeCaveats combines parent and new caveats, new entries of the same
// type replacing the parent's (already validated as a narrowing).
func mergeCaveats(parent, added []Caveat) []Caveat {
	byType := make(map[CaveatType]Caveat)
	for _, c := range parent {
		byType[c.Type] = c
	}
	for _, c := range added {
		byType[c.Type] = c
	}
	types := make([]CaveatType, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	out := make([]Caveat, 0, len(types))
	for _, t := range types {
		out = append(out, byType[t])
	}
	return out
}

func (m *Manager) anyAncestorRevoked(t *Token) bool {
	cur := t
	for cur.ParentDCTID != "" {
		parent, ok := m.tokens[cur.ParentDCTID]
		if !ok {
			return false
		}
		if parent.Revoked {
			return true
		}
		cur = parent
	}
	return false
}

// Verify checks revocation (self and ancestors), expiry, depth, and
// recomputes the signature from the root forward.
func (m *Manager) Verify(t *Token) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t.Revoked || m.anyAncestorRevoked(t) {
		return ErrRevoked
	}
	if !t.ExpiresAt.IsZero() && time.Now().After(t.ExpiresAt) {
		return ErrExpired
	}
	if t.Depth >= m.maxDepth {
		return ErrDepthExceeded
	}
	return m.verifyChainSignature(t)
}

func (m *Manager) verifyChainSignature(t *Token) error {
	chain := []*Token{t}
	cur := t
	for cur.ParentDCTID != "" {
		parent, ok := m.tokens[cur.ParentDCTID]
		if !ok {
			return ErrBadSignature
		}
		chain = append(chain, parent)
		cur = parent
	}
	// chain is leaf-to-root; walk root-to-leaf recomputing signatures.
	root := chain[len(chain)-1]
	expected := signRoot(m.secret, root.DCTID, root.Caveats)
	if expected != root.Signature {
		return ErrBadSignature
	}
	prevSig := root.Signature
	for i := len(chain) - 2; i >= 0; i-- {
		link := chain[i]
		expected := signLink(m.secret, link.DCTID, prevSig, link.Caveats)
		if expected != link.Signature {
			return ErrBadSignature
		}
		prevSig = link.Signature
	}
	return nil
}

// ErrCapabilityViolation is returned by ValidateRequest when a caveat
// denies the request.
var ErrCapabilityViolation = errors.New("dct: capability violation")

// ValidateRequest iterates caveats, denying on the first violation.
func (m *Manager) ValidateRequest(t *Token, req Request) error {
	if err := m.Verify(t); err != nil {
		return err
	}
	for _, c := range t.Caveats {
		switch c.Type {
		case CaveatToolRestriction:
			if req.Tool != "" && !contains(c.Tools, req.Tool) {
				return fmt.Errorf("%w: tool %q not in allowlist", ErrCapabilityViolation, req.Tool)
			}
		case CaveatPathRestriction:
			if req.Path != "" && !contains(c.Paths, req.Path) {
				return fmt.Errorf("%w: path %q not in allowlist", ErrCapabilityViolation, req.Path)
			}
		case CaveatDomainRestriction:
			if req.Domain != "" && !contains(c.Domains, req.Domain) {
				return fmt.Errorf("%w: domain %q not in allowlist", ErrCapabilityViolation, req.Domain)
			}
		case CaveatCostLimit:
			if req.CostUSD > c.Limit {
				return fmt.Errorf("%w: cost %v exceeds limit %v", ErrCapabilityViolation, req.CostUSD, c.Limit)
			}
		case CaveatTokenLimit:
			if req.Tokens > c.Limit {
				return fmt.Errorf("%w: tokens %v exceeds limit %v", ErrCapabilityViolation, req.Tokens, c.Limit)
			}
		case CaveatTimeBound:
			if !c.ExpiresAt.IsZero() && time.Now().After(c.ExpiresAt) {
				return fmt.Errorf("%w: time bound expired", ErrCapabilityViolation)
			}
		}
	}
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Revoke marks dctID (and every descendant, transitively) as revoked.
func (m *Manager) Revoke(dctID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokeRecursive(dctID)
}

func (m *Manager) revokeRecursive(dctID string) {
	t, ok := m.tokens[dctID]
	if !ok {
		return
	}
	t.Revoked = true
	for _, childID := range m.childrenOf[dctID] {
		m.revokeRecursive(childID)
	}
}

// Cleanup purges every expired or revoked token no longer referenced as a
// parent.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	referenced := make(map[string]bool)
	for _, t := range m.tokens {
		if t.ParentDCTID != "" {
			referenced[t.ParentDCTID] = true
		}
	}
	removed := 0
	for id, t := range m.tokens {
		expired := !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
		if (t.Revoked || expired) && !referenced[id] {
			delete(m.tokens, id)
			delete(m.childrenOf, id)
			removed++
		}
	}
	return removed
}

// Get returns the tracked token by id.
func (m *Manager) Get(dctID string) (*Token, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[dctID]
	return t, ok
}
