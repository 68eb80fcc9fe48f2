package webauthn

import (
	"context"
	"time"
)

// COSE algorithm identifiers.
const (
	AlgES256 = -7
	AlgRS256 = -257
)

// Ceremony parameters.
const (
	UserVerificationPreferred = "preferred"
	AttestationNone           = "none"

	ClientDataCreate = "webauthn.create"
	ClientDataGet    = "webauthn.get"
)

// RelyingParty identifies the relying party of a ceremony.
type RelyingParty struct {
	ID   string
	Name string
}

// User identifies the account a credential is created for.
type User struct {
	ID          []byte
	Name        string
	DisplayName string
}

// CreationOptions are passed to Platform.Create.
type CreationOptions struct {
	Challenge          []byte
	RelyingParty       RelyingParty
	User               User
	Algorithms         []int
	ExcludeCredentials [][]byte
	UserVerification   string
	Attestation        string
	Timeout            time.Duration
}

// Attestation is the platform's answer to a creation request.
type Attestation struct {
	RawID             []byte
	PublicKey         []byte
	Algorithm         int
	AuthenticatorData []byte
	ClientDataJSON    []byte
}

// RequestOptions are passed to Platform.Get.
type RequestOptions struct {
	Challenge        []byte
	RelyingPartyID   string
	AllowCredentials [][]byte
	UserVerification string
	Timeout          time.Duration
}

// AssertionResponse is the platform's answer to an assertion request.
type AssertionResponse struct {
	RawID             []byte
	AuthenticatorData []byte
	ClientDataJSON    []byte
	Signature         []byte
	UserHandle        []byte
}

// Platform is the authenticator boundary. Implementations block for user
// interaction and report failures with the errors of this package.
type Platform interface {
	// SecureContext reports whether ceremonies are allowed.
	SecureContext() bool

	// Create runs a credential creation ceremony. PublicKey in the
	// result is a DER encoded SubjectPublicKeyInfo.
	Create(ctx context.Context, opts CreationOptions) (*Attestation, error)

	// Get runs an assertion ceremony.
	Get(ctx context.Context, opts RequestOptions) (*AssertionResponse, error)
}
