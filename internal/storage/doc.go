// Package storage provides the versioned BBolt store shared by every walletvault
// component.
//
// Each record collection is a top-level bucket keyed by the record's primary
// key and holding its JSON encoding. Secondary indexes live in sibling buckets
// named "<collection>.by_<index>" whose keys are value || 0x00 || primary key.
//
// The schema is versioned in the meta bucket. Opening the store applies every
// pending migration inside one write transaction, so an interrupted upgrade
// leaves the previous version intact. Migrations only ever add buckets and
// index entries.
//
// A store that reports the current version but lacks one of the expected
// buckets is considered corrupted. Unless disabled in Config, the file is
// deleted and recreated from scratch and a warning is logged.
//
// BBolt provides ACID transactions, file locking, and corruption detection.
package storage
