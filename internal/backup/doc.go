// Package backup exports every local collection into one portable JSON
// artifact and merges such an artifact back into the store.
//
// Import runs one read-write transaction per collection and merges record
// by record through the owning component, so imported records pass the
// same validation as records written locally. A record that fails is
// reported and skipped; the remaining records of its collection are still
// imported. The two settings blobs are merged by identifier and written
// back whole.
package backup
