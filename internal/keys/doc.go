// Package keys is the signing path: it derives keypairs from a seed phrase,
// computes account addresses, and opens account envelopes just long enough
// to sign a message.
package keys
