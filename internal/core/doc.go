// Package core provides the wallet operations the CLI is built on.
//
// A Wallet wires one shared store handle into every component:
//   - the secure vault of sealed accounts and the signer reading it
//   - authenticator credentials and, given a platform, the ceremonies
//   - the activity ledgers and the settings blobs
//   - the backup engine
//
// Passwords never reach the store. Init records the KDF parameters and an
// encrypted check value; UnlockKey derives the key and verifies it against
// that value. ChangePassword re-encrypts every password-sealed account in
// the same transaction that replaces the KDF parameters.
package core
