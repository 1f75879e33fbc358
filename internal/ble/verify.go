package ble

import "github.com/chaz8081/flicd/internal/button"

// Challenge is the material exchanged during link verification.
type Challenge struct {
	HostNonce   []byte
	DeviceNonce []byte
	Tag         []byte
}

// VerificationResult is the outcome of verifying a challenge.
type VerificationResult int

const (
	Reject VerificationResult = iota
	Pass
)

func (r VerificationResult) String() string {
	if r == Pass {
		return "pass"
	}
	return "reject"
}

// Verifier checks that a button proved possession of the pairing material.
type Verifier interface {
	Verify(id button.Identity, material []byte, ch Challenge) VerificationResult
}
