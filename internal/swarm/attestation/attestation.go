// Package attestation implements TaskAttestation and AttestationChain
// (spec.md §3/§4.5): HMAC-SHA256 over a canonical string, with an optional
// Ed25519 signature layered on top.
package attestation

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/swarmguard/meshnode/internal/swarm/kernel"
)

// hkdfInfo values domain-separate the attestation MAC key from the DCT
// signature-chain key so a leaked attestation MAC never doubles as a
// forgeable DCT signature (SPEC_FULL.md §3).
const (
	hkdfInfoAttestation = "swarm/attestation/hmac-v1"
	hkdfInfoDCT         = "swarm/dct/signature-v1"
)

// DeriveSubkey expands the raw shared swarm secret into a domain-separated
// 32-byte subkey via HKDF-SHA256.
func DeriveSubkey(swarmSecret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, swarmSecret, nil, []byte(info))
	sub := make([]byte, 32)
	if _, err := io.ReadFull(r, sub); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return sub, nil
}

// AttestationKey derives the subkey used for TaskAttestation HMACs.
func AttestationKey(swarmSecret []byte) ([]byte, error) {
	return DeriveSubkey(swarmSecret, hkdfInfoAttestation)
}

// DCTKey derives the subkey used for DCT signature chains.
func DCTKey(swarmSecret []byte) ([]byte, error) {
	return DeriveSubkey(swarmSecret, hkdfInfoDCT)
}

// TaskAttestation is a peer's signed claim about a task outcome.
type TaskAttestation struct {
	TaskID          string    `json:"task_id"`
	PeerNodeID      string    `json:"peer_node_id"`
	Status          string    `json:"status"`
	FindingsHash    string    `json:"findings_hash"`
	Timestamp       time.Time `json:"timestamp"`
	HMAC            string    `json:"hmac"`
	Ed25519Signature string   `json:"ed25519_signature,omitempty"`
}

// FindingsHash computes sha256(canonical_json(findings)), hex-encoded.
func FindingsHash(findings []kernel.Finding) (string, error) {
	canon, err := canonicalJSON(findings)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// canonical returns the canonical MAC string:
// task_id|peer_node_id|status|findings_hash|timestamp
func canonical(a TaskAttestation) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", a.TaskID, a.PeerNodeID, a.Status, a.FindingsHash, a.Timestamp.UTC().Format(time.RFC3339Nano))
}

// CreateAttestation computes the findings hash + HMAC for a task result,
// optionally layering an Ed25519 signature when privKey is non-nil.
func CreateAttestation(taskID, peerNodeID, status string, findings []kernel.Finding, ts time.Time, hmacKey []byte, ed25519PrivKey ed25519.PrivateKey) (TaskAttestation, error) {
	fh, err := FindingsHash(findings)
	if err != nil {
		return TaskAttestation{}, err
	}
	a := TaskAttestation{
		TaskID:       taskID,
		PeerNodeID:   peerNodeID,
		Status:       status,
		FindingsHash: fh,
		Timestamp:    ts.UTC(),
	}
	a.HMAC = computeHMAC(a, hmacKey)
	if ed25519PrivKey != nil {
		sig := ed25519.Sign(ed25519PrivKey, []byte(canonical(a)+"|"+a.HMAC))
		a.Ed25519Signature = base64.StdEncoding.EncodeToString(sig)
	}
	return a, nil
}

func computeHMAC(a TaskAttestation, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canonical(a)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyAttestation re-derives the HMAC (and Ed25519 signature, if present
// and a public key supplied) and reports whether both match.
func VerifyAttestation(a TaskAttestation, hmacKey []byte, ed25519PubKey ed25519.PublicKey) bool {
	expected := computeHMAC(a, hmacKey)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(a.HMAC)) != 1 {
		return false
	}
	if a.Ed25519Signature != "" {
		if ed25519PubKey == nil {
			// Ed25519 is optional (spec.md §9 open question #1): a
			// signature present without a known public key downgrades
			// to HMAC-only verification, it does not fail outright.
			return true
		}
		sig, err := base64.StdEncoding.DecodeString(a.Ed25519Signature)
		if err != nil {
			return false
		}
		return ed25519.Verify(ed25519PubKey, []byte(canonical(a)+"|"+a.HMAC), sig)
	}
	return true
}

// Link is one hop in an AttestationChain.
type Link struct {
	Attestation      TaskAttestation `json:"attestation"`
	DelegatorNodeID  string          `json:"delegator_node_id"`
	DelegateeNodeID  string          `json:"delegatee_node_id"`
	Depth            int             `json:"depth"`
}

// Chain is an append-only ordered sequence of links sharing one root task.
type Chain struct {
	RootTaskID string `json:"root_task_id"`
	Links      []Link `json:"links"`
}

// Append adds a new link at the next depth (its index in Links). It does
// not check continuity with the previous link's delegatee; VerifyChain does.
func (c *Chain) Append(l Link) {
	l.Depth = len(c.Links)
	c.Links = append(c.Links, l)
}

// VerifyResult reports the outcome of VerifyChain.
type VerifyResult struct {
	Valid          bool
	InvalidAtDepth int // -1 when Valid
}

// VerifyChain walks links verifying MAC, contiguous depths, consistent
// root_task_id, and delegatee[i] == delegator[i+1].
func VerifyChain(c Chain, hmacKey []byte, ed25519PubKeys map[string]ed25519.PublicKey) VerifyResult {
	for i, link := range c.Links {
		if link.Depth != i {
			return VerifyResult{Valid: false, InvalidAtDepth: i}
		}
		if link.Attestation.TaskID != c.RootTaskID {
			return VerifyResult{Valid: false, InvalidAtDepth: i}
		}
		pub := ed25519PubKeys[link.DelegateeNodeID]
		if !VerifyAttestation(link.Attestation, hmacKey, pub) {
			return VerifyResult{Valid: false, InvalidAtDepth: i}
		}
		if i > 0 && c.Links[i-1].DelegateeNodeID != link.DelegatorNodeID {
			return VerifyResult{Valid: false, InvalidAtDepth: i}
		}
	}
	return VerifyResult{Valid: true, InvalidAtDepth: -1}
}

// canonicalJSON produces deterministic JSON: map keys sorted, no extra
// whitespace. Used for the findings hash so two equal structures always
// hash the same regardless of field ordering.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSorted(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte("[")
		for i, e := range t {
			if i > 0 {
				out = append(out, ',')
			}
			eb, err := marshalSorted(e)
			if err != nil {
				return nil, err
			}
			out = append(out, eb...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(v)
	}
}
