package webauthn

import (
	"errors"
	"fmt"
)

var (
	// ErrUserCancelled is returned when the user dismisses the ceremony.
	ErrUserCancelled = errors.New("authenticator ceremony cancelled by user")

	// ErrAuthenticatorUnavailable is returned when no authenticator can
	// serve the request.
	ErrAuthenticatorUnavailable = errors.New("authenticator unavailable")

	// ErrInsecureContext is returned when the platform does not run in a
	// secure (HTTPS or loopback) context.
	ErrInsecureContext = errors.New("authenticator requires a secure context")

	// ErrCredentialNotFound is returned for an unknown credential id.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrDuplicateCredential is returned when the authenticator is already
	// bound to this identity.
	ErrDuplicateCredential = errors.New("credential already registered")

	// ErrUnsupportedAuthenticator is returned when the authenticator offers
	// none of the requested algorithms or returns an unusable key.
	ErrUnsupportedAuthenticator = errors.New("unsupported authenticator")

	// ErrShortAuthenticatorData is returned when authenticator data is
	// shorter than the fixed header.
	ErrShortAuthenticatorData = errors.New("authenticator data too short")

	// ErrSignatureInvalid is returned when an assertion signature does not
	// verify against the stored public key.
	ErrSignatureInvalid = errors.New("assertion signature invalid")

	// ErrClientDataMismatch is returned when client data does not match
	// the ceremony type, challenge or origin.
	ErrClientDataMismatch = errors.New("client data mismatch")

	// ErrCounterRegression is returned in strict mode when the signature
	// counter did not increase.
	ErrCounterRegression = errors.New("signature counter did not increase")

	// ErrKeyNotReproducible is returned when a key derived from an
	// authenticator with an advancing signature counter is used to seal
	// data. The next ceremony would derive a different key.
	ErrKeyNotReproducible = errors.New("authenticator key is not reproducible")
)

// platformErrors are passed through unchanged from the Platform. Anything
// else is reported as ErrAuthenticatorUnavailable.
var platformErrors = []error{
	ErrUserCancelled,
	ErrAuthenticatorUnavailable,
	ErrInsecureContext,
	ErrCredentialNotFound,
	ErrDuplicateCredential,
	ErrUnsupportedAuthenticator,
}

func classifyPlatformError(err error) error {
	for _, known := range platformErrors {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrAuthenticatorUnavailable, err)
}
