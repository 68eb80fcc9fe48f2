// Package vault stores encrypted wallet accounts.
//
// An Account carries its seed material only as an envelope produced by
// package crypto. The vault validates, indexes and returns those envelopes
// but never decrypts them; that happens in package keys for the duration of
// a single signing call.
package vault
