// Package webauthn registers and verifies public-key credentials held by
// platform or roaming authenticators and derives symmetric keys from their
// assertions.
//
// The authenticator itself sits behind the Platform interface. Credential
// public keys are kept as DER encoded SubjectPublicKeyInfo and are only ever
// used to verify assertion signatures.
//
// Keys are derived from the first 37 bytes of the authenticator data: the
// relying party id hash, the flags byte and the signature counter. The
// derived key is therefore only reproducible for authenticators that report
// a constant counter (most synced passkeys report zero). Authenticators that
// increment the counter yield a different key per assertion, so envelopes
// sealed with such a key can only be opened within the same unlock.
package webauthn
