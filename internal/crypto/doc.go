// Package crypto provides the envelope encryption used for account seed
// material.
//
// Encryption uses AES-256-GCM with:
//   - 32-byte key, derived from a password via PBKDF2 or from an
//     authenticator assertion
//   - 12-byte random nonce per encryption operation
//   - a one byte version prefix on sealed envelopes
//
// Key derivation uses PBKDF2-HMAC-SHA256 with:
//   - 32-byte random salt (stored unencrypted)
//   - 210,000 iterations by default (OWASP minimum recommendation)
//
// Memory safety:
//   - Use ClearBytes() to zero sensitive data after use
//   - Call Encryptor.Destroy() when done with encryption operations
package crypto
