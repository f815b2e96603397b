// Package verifier implements OutcomeVerifier (spec.md §4.12): post-result
// validation against SLO, attestation, and capability allowlists.
package verifier

import (
	"crypto/ed25519"

	"github.com/swarmguard/meshnode/internal/swarm/attestation"
	"github.com/swarmguard/meshnode/internal/swarm/kernel"
)

// SLO mirrors DelegationContract's bounds.
type SLO struct {
	MaxDurationMS int64
	MaxTokens     int64
	MaxCostUSD    float64
}

// PermissionBoundary mirrors DelegationContract's tool allowlist.
type PermissionBoundary struct {
	ToolAllowlist []string
}

// Contract is the narrow slice of DelegationContract the verifier checks
// against.
type Contract struct {
	SLO                SLO
	PermissionBoundary PermissionBoundary
	Strict             bool
}

// Input bundles everything OutcomeVerifier needs.
type Input struct {
	Result        kernel.TaskResult
	Contract      *Contract
	Attestation   *attestation.TaskAttestation
	PeerPublicKey ed25519.PublicKey
	HMACKey       []byte
}

// Verification is the verifier's output.
type Verification struct {
	Verified           bool
	SLOCompliance      bool
	FindingsVerified   bool
	VerificationMethod string // "attested" | "direct"
	OutcomeScore       float64
	Issues             []string
}

// Verify runs every check spec.md §4.12 names.
func Verify(in Input) Verification {
	v := Verification{SLOCompliance: true, FindingsVerified: true, VerificationMethod: "direct"}

	if in.Contract != nil {
		v.SLOCompliance = checkSLO(in.Result, in.Contract.SLO)
		if !v.SLOCompliance {
			v.Issues = append(v.Issues, "slo violation")
			if in.Contract.Strict {
				v.Verified = false
			}
		}
	}

	if in.Attestation != nil {
		v.VerificationMethod = "attested"
		if !attestation.VerifyAttestation(*in.Attestation, in.HMACKey, in.PeerPublicKey) {
			v.Issues = append(v.Issues, "attestation verification failed")
			v.FindingsVerified = false
		}
	}

	if in.Result.Status == kernel.StatusCompleted && len(in.Result.Findings) == 0 {
		v.Issues = append(v.Issues, "completed status with no findings")
		v.FindingsVerified = false
	}

	if in.Contract != nil && len(in.Contract.PermissionBoundary.ToolAllowlist) > 0 {
		allowed := make(map[string]bool, len(in.Contract.PermissionBoundary.ToolAllowlist))
		for _, t := range in.Contract.PermissionBoundary.ToolAllowlist {
			allowed[t] = true
		}
		for _, f := range in.Result.Findings {
			if f.Tool != "" && !allowed[f.Tool] {
				v.Issues = append(v.Issues, "finding used tool outside allowlist: "+f.Tool)
				v.FindingsVerified = false
			}
		}
	}

	succeeded := 0
	for _, f := range in.Result.Findings {
		if f.Succeeded {
			succeeded++
		}
	}
	if len(in.Result.Findings) > 0 {
		v.OutcomeScore = float64(succeeded) / float64(len(in.Result.Findings))
	}

	if len(v.Issues) == 0 {
		v.Verified = true
	} else if in.Contract == nil || !in.Contract.Strict {
		// non-strict mode: verified unless findings themselves failed to
		// verify (attestation/allowlist issues are hard failures
		// regardless of strictness; SLO softness is the only relaxed case).
		v.Verified = v.FindingsVerified
	}

	return v
}

func checkSLO(r kernel.TaskResult, slo SLO) bool {
	if slo.MaxDurationMS > 0 && r.DurationMS > slo.MaxDurationMS {
		return false
	}
	if slo.MaxTokens > 0 && r.TokensUsed > slo.MaxTokens {
		return false
	}
	if slo.MaxCostUSD > 0 && r.CostUSD > slo.MaxCostUSD {
		return false
	}
	return true
}
