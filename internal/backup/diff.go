package backup

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/illarion/walletvault/internal/ledger"
	"github.com/illarion/walletvault/internal/vault"
	"github.com/illarion/walletvault/internal/webauthn"
	"github.com/sergi/go-diff/diffmatchpatch"
	bolt "go.etcd.io/bbolt"
)

// RecordDiff is the difference between a stored record and the incoming
// record with the same key.
type RecordDiff struct {
	Collection string
	Key        string

	// Unified is a unified line diff from the stored to the incoming
	// record.
	Unified string
}

// DiffArtifact compares a against the store without writing. It returns a
// diff for every incoming record whose key is already stored with
// different content. Records new to the store are not listed.
func (e *Engine) DiffArtifact(ctx context.Context, a *Artifact) ([]RecordDiff, error) {
	var diffs []RecordDiff

	err := e.cfg.DB.View(ctx, func(tx *bolt.Tx) error {
		stored, err := e.storedByKey(tx)
		if err != nil {
			return err
		}

		for _, name := range Collections {
			local := stored[name]
			for key, incoming := range incomingByKey(a, name) {
				existing, ok := local[key]
				if !ok {
					continue
				}
				d, err := unifiedDiff(name+"/"+key, existing, incoming)
				if err != nil {
					return err
				}
				if d == "" {
					continue
				}
				diffs = append(diffs, RecordDiff{
					Collection: name,
					Key:        key,
					Unified:    d,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortDiffs(diffs)
	return diffs, nil
}

// storedByKey indexes every stored record by collection and key.
func (e *Engine) storedByKey(tx *bolt.Tx) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(Collections))
	for _, name := range Collections {
		out[name] = make(map[string]any)
	}

	accounts, err := vault.ListTx(tx)
	if err != nil {
		return nil, err
	}
	for _, acct := range accounts {
		out[CollAccounts][acct.Address] = acct
	}

	// Collections missing from older stores diff as empty.
	if creds, err := webauthn.ListTx(tx); err == nil {
		for _, cred := range creds {
			out[CollCredentials][cred.ID] = cred
		}
	}
	ledgers := map[string]*ledger.Ledger{
		CollTransactions: e.cfg.Transactions,
		CollMountainLogs: e.cfg.MountainLogs,
		CollDocuments:    e.cfg.Documents,
	}
	for name, l := range ledgers {
		records, err := l.ListTx(tx)
		if err != nil {
			continue
		}
		for _, rec := range records {
			out[name][rec.ID] = rec
		}
	}
	if contacts, err := e.cfg.Contacts.LoadTx(tx); err == nil {
		for _, c := range contacts {
			out[CollContacts][c.Key()] = c
		}
	}
	if apiConfigs, err := e.cfg.APIConfigs.LoadTx(tx); err == nil {
		for _, c := range apiConfigs {
			out[CollAPIConfigs][c.Key()] = c
		}
	}
	return out, nil
}

func incomingByKey(a *Artifact, name string) map[string]any {
	out := make(map[string]any)
	switch name {
	case CollAccounts:
		for _, acct := range a.Accounts {
			if acct != nil && acct.Address != "" {
				out[acct.Address] = acct
			}
		}
	case CollCredentials:
		for _, cred := range a.WebAuthnCredentials {
			if cred != nil && cred.ID != "" {
				out[cred.ID] = cred
			}
		}
	case CollTransactions, CollMountainLogs, CollDocuments:
		records := map[string][]*ledger.Record{
			CollTransactions: a.Transactions,
			CollMountainLogs: a.MountainLogs,
			CollDocuments:    a.Documents,
		}[name]
		for _, rec := range records {
			if rec != nil && rec.ID != "" {
				out[rec.ID] = rec
			}
		}
	case CollContacts:
		for _, c := range a.Contacts {
			if c.Key() != "" {
				out[c.Key()] = c
			}
		}
	case CollAPIConfigs:
		for _, c := range a.APIConfigs {
			if c.Key() != "" {
				out[c.Key()] = c
			}
		}
	}
	return out
}

// unifiedDiff renders a line diff of the indented JSON of both records. It
// returns an empty string when they encode identically.
func unifiedDiff(path string, stored, incoming any) (string, error) {
	before, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode stored %s: %w", path, err)
	}
	after, err := json.MarshalIndent(incoming, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode incoming %s: %w", path, err)
	}
	if string(before) == string(after) {
		return "", nil
	}

	dmp := diffmatchpatch.New()
	beforeStr, afterStr := string(before)+"\n", string(after)+"\n"
	x, y, lines := dmp.DiffLinesToChars(beforeStr, afterStr)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(x, y, false), lines)

	patches := dmp.PatchMake(beforeStr, diffs)
	if len(patches) == 0 {
		return "", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- stored/%s\n", path)
	fmt.Fprintf(&b, "+++ backup/%s\n", path)
	b.WriteString(dmp.PatchToText(patches))
	return b.String(), nil
}

func sortDiffs(diffs []RecordDiff) {
	order := make(map[string]int, len(Collections))
	for i, name := range Collections {
		order[name] = i
	}
	slices.SortFunc(diffs, func(a, b RecordDiff) int {
		if c := cmp.Compare(order[a.Collection], order[b.Collection]); c != 0 {
			return c
		}
		return strings.Compare(a.Key, b.Key)
	})
}
