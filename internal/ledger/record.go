// Package ledger stores the activity and document records of accounts.
// Three collections share the record type: the transaction history, the
// mountain activity log and signed documents.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/illarion/walletvault/internal/storage"
)

// Kind selects a ledger collection.
type Kind string

const (
	Transactions Kind = "transactions"
	MountainLogs Kind = "mountain_logs"
	Documents    Kind = "documents"
)

// Kinds lists every ledger.
var Kinds = []Kind{Transactions, MountainLogs, Documents}

func (k Kind) spec() (storage.CollectionSpec, error) {
	switch k {
	case Transactions:
		return storage.Transactions, nil
	case MountainLogs:
		return storage.MountainLogs, nil
	case Documents:
		return storage.Documents, nil
	}
	return storage.CollectionSpec{}, fmt.Errorf("unknown ledger %q", string(k))
}

// Attachment is a binary payload carried by a record: a captured image or a
// generated document.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Data     []byte `json:"data,omitempty"`

	// Stripped marks an attachment whose data was dropped on export.
	Stripped bool `json:"stripped,omitempty"`
}

// IsImage reports whether the attachment holds an image.
func (a *Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// IsPDF reports whether the attachment holds a PDF document.
func (a *Attachment) IsPDF() bool {
	return a.MimeType == "application/pdf"
}

// Record is one ledger entry. It belongs to exactly one account.
type Record struct {
	ID         string          `json:"id"`
	Account    string          `json:"account"`
	Category   string          `json:"category,omitempty"`
	Status     string          `json:"status,omitempty"`
	Title      string          `json:"title,omitempty"`
	Amount     string          `json:"amount,omitempty"`
	Hash       string          `json:"hash,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attachment *Attachment     `json:"attachment,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Validate checks the required fields. Failures wrap
// storage.ErrInvalidInput.
func (r *Record) Validate() error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: nil record", storage.ErrInvalidInput)
	case strings.TrimSpace(r.Account) == "":
		return fmt.Errorf("%w: record %q has no account", storage.ErrInvalidInput, r.ID)
	case len(r.Payload) > 0 && !json.Valid(r.Payload):
		return fmt.Errorf("%w: record %q has an invalid payload",
			storage.ErrInvalidInput, r.ID)
	}
	return nil
}

// assignID fills in a missing id: the content hash of the record when it
// carries a payload or a transaction hash, a random uuid otherwise.
func (r *Record) assignID() {
	if r.ID != "" {
		return
	}
	if len(r.Payload) == 0 && r.Hash == "" {
		r.ID = uuid.NewString()
		return
	}
	h := sha256.New()
	for _, part := range []string{r.Account, r.Category, r.Hash} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(r.Payload)
	r.ID = hex.EncodeToString(h.Sum(nil))
}

// contentID returns an id derived from every field of the record except
// the attachment and UpdatedAt, so the same record always maps to the same
// id.
func (r *Record) contentID() string {
	h := sha256.New()
	for _, part := range []string{
		r.Account, r.Category, r.Status, r.Title, r.Amount, r.Hash,
		string(r.Payload), r.CreatedAt.UTC().Format(time.RFC3339Nano),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Stripped returns a copy of r whose attachment data is dropped when strip
// reports true for it.
func (r *Record) Stripped(strip func(*Attachment) bool) *Record {
	c := *r
	if r.Attachment != nil && strip(r.Attachment) {
		a := *r.Attachment
		a.Data = nil
		a.Stripped = true
		c.Attachment = &a
	}
	return &c
}
