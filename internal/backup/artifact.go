package backup

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/illarion/walletvault/internal/ledger"
	"github.com/illarion/walletvault/internal/settings"
	"github.com/illarion/walletvault/internal/vault"
	"github.com/illarion/walletvault/internal/webauthn"
)

// FormatVersion is the artifact version written by Export.
const FormatVersion = "1.2.0"

// DefaultAppName is recorded as the producer of exported artifacts.
const DefaultAppName = "walletvault"

// Artifact collection names, as they appear in the JSON document.
const (
	CollAccounts     = "accounts"
	CollCredentials  = "webauthnCredentials"
	CollTransactions = "transactions"
	CollContacts     = "contacts"
	CollAPIConfigs   = "apiConfigs"
	CollMountainLogs = "mountainLogs"
	CollDocuments    = "documents"
)

// Collections lists the artifact collections in import order.
var Collections = []string{
	CollAccounts, CollCredentials, CollTransactions, CollMountainLogs,
	CollDocuments, CollContacts, CollAPIConfigs,
}

var (
	// ErrWrongArtifactFormat is returned for a document exported by a
	// different tool.
	ErrWrongArtifactFormat = errors.New("artifact was produced by a different tool")

	// ErrMalformedArtifact is returned when the document is not a JSON
	// object.
	ErrMalformedArtifact = errors.New("malformed artifact")
)

// Metadata describes the producer of an artifact and whether large
// binaries were kept.
type Metadata struct {
	AppName        string `json:"appName"`
	IncludesImages bool   `json:"includesImages"`
	IncludesPDFs   bool   `json:"includesPDFs"`
}

// Artifact is a snapshot of every local collection.
type Artifact struct {
	Version             string                 `json:"version"`
	CreatedAt           int64                  `json:"createdAt"`
	Accounts            []*vault.Account       `json:"accounts"`
	WebAuthnCredentials []*webauthn.Credential `json:"webauthnCredentials"`
	Transactions        []*ledger.Record       `json:"transactions"`
	Contacts            []settings.Contact     `json:"contacts"`
	APIConfigs          []settings.APIConfig   `json:"apiConfigs"`
	MountainLogs        []*ledger.Record       `json:"mountainLogs,omitempty"`
	Documents           []*ledger.Record       `json:"documents,omitempty"`
	Metadata            Metadata               `json:"metadata"`

	// DecodeErrors holds the records of a parsed artifact that could not
	// be decoded, by collection. Import reports them.
	DecodeErrors map[string][]RecordError `json:"-"`
}

// Count returns the number of records of a collection.
func (a *Artifact) Count(collection string) int {
	switch collection {
	case CollAccounts:
		return len(a.Accounts)
	case CollCredentials:
		return len(a.WebAuthnCredentials)
	case CollTransactions:
		return len(a.Transactions)
	case CollMountainLogs:
		return len(a.MountainLogs)
	case CollDocuments:
		return len(a.Documents)
	case CollContacts:
		return len(a.Contacts)
	case CollAPIConfigs:
		return len(a.APIConfigs)
	}
	return 0
}

// Marshal encodes the artifact as indented JSON.
func (a *Artifact) Marshal() ([]byte, error) {
	return json.MarshalIndent(a, "", "  ")
}

// isForeign reports whether the top-level members match the export shape
// of another wallet tool: an encoding description, an encoded payload and
// an accounts array.
func isForeign(doc map[string]json.RawMessage) bool {
	_, hasEncoding := doc["encoding"]
	_, hasEncoded := doc["encoded"]
	accounts, hasAccounts := doc["accounts"]
	return hasEncoding && hasEncoded && hasAccounts && isArray(accounts)
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// ParseArtifact decodes an artifact. Collections that are absent or not
// arrays are treated as empty. Records that fail to decode are collected
// in DecodeErrors instead of failing the whole document.
func ParseArtifact(data []byte) (*Artifact, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedArtifact, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedArtifact)
	}
	if isForeign(doc) {
		return nil, ErrWrongArtifactFormat
	}
	if _, ok := doc["version"]; !ok {
		if _, ok := doc[CollAccounts]; !ok {
			return nil, fmt.Errorf("%w: neither version nor accounts present",
				ErrWrongArtifactFormat)
		}
	}

	a := &Artifact{DecodeErrors: make(map[string][]RecordError)}

	if raw, ok := doc["version"]; ok {
		// Older producers wrote a bare number.
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			a.Version = fmt.Sprint(v)
		}
	}
	if raw, ok := doc["createdAt"]; ok {
		if err := json.Unmarshal(raw, &a.CreatedAt); err != nil {
			log.Warnf("Ignoring unreadable artifact createdAt: %v", err)
		}
	}
	if raw, ok := doc["metadata"]; ok {
		if err := json.Unmarshal(raw, &a.Metadata); err != nil {
			log.Warnf("Ignoring unreadable artifact metadata: %v", err)
		}
	}
	if major := majorVersion(a.Version); major > majorVersion(FormatVersion) {
		log.Warnf("Artifact version %v is newer than %v, unknown fields "+
			"are ignored", a.Version, FormatVersion)
	}

	a.Accounts = decodeRecords[*vault.Account](a, doc, CollAccounts)
	a.WebAuthnCredentials = decodeRecords[*webauthn.Credential](a, doc, CollCredentials)
	a.Transactions = decodeRecords[*ledger.Record](a, doc, CollTransactions)
	a.MountainLogs = decodeRecords[*ledger.Record](a, doc, CollMountainLogs)
	a.Documents = decodeRecords[*ledger.Record](a, doc, CollDocuments)
	a.Contacts = decodeRecords[settings.Contact](a, doc, CollContacts)
	a.APIConfigs = decodeRecords[settings.APIConfig](a, doc, CollAPIConfigs)

	return a, nil
}

// decodeRecords decodes one collection element by element.
func decodeRecords[T any](a *Artifact, doc map[string]json.RawMessage, name string) []T {
	raw, ok := doc[name]
	if !ok {
		return []T{}
	}
	if !isArray(raw) {
		if trimmed := bytes.TrimSpace(raw); !bytes.Equal(trimmed, []byte("null")) {
			log.Warnf("Artifact field %v is not an array, treating it as empty", name)
		}
		return []T{}
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		a.DecodeErrors[name] = append(a.DecodeErrors[name], RecordError{
			Err: fmt.Errorf("%w: %s: %v", ErrMalformedArtifact, name, err),
		})
		return []T{}
	}

	out := make([]T, 0, len(elems))
	for i, elem := range elems {
		var rec T
		if err := json.Unmarshal(elem, &rec); err != nil {
			a.DecodeErrors[name] = append(a.DecodeErrors[name], RecordError{
				Key: "#" + strconv.Itoa(i),
				Err: fmt.Errorf("%w: %v", ErrMalformedArtifact, err),
			})
			continue
		}
		out = append(out, rec)
	}
	return out
}

func majorVersion(v string) int {
	major, _, _ := strings.Cut(strings.TrimPrefix(v, "v"), ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return 0
	}
	return n
}
