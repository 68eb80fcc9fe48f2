package backup

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/illarion/walletvault/internal/ledger"
	"github.com/illarion/walletvault/internal/settings"
	"github.com/illarion/walletvault/internal/storage"
	"github.com/illarion/walletvault/internal/vault"
	"github.com/illarion/walletvault/internal/webauthn"
	"github.com/lightningnetwork/lnd/clock"
	bolt "go.etcd.io/bbolt"
)

// DefaultTxTimeout bounds the wait for one collection's import
// transaction.
const DefaultTxTimeout = 10 * time.Second

// ErrTxStalled is reported for a collection whose import transaction did
// not complete within the timeout.
var ErrTxStalled = errors.New("import transaction did not complete in time")

// Config wires an Engine to the components owning each collection.
type Config struct {
	DB           storage.Backend
	Vault        *vault.Vault
	Credentials  *webauthn.CredentialStore
	Transactions *ledger.Ledger
	MountainLogs *ledger.Ledger
	Documents    *ledger.Ledger
	Contacts     *settings.Store[settings.Contact]
	APIConfigs   *settings.Store[settings.APIConfig]

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// TxTimeout defaults to DefaultTxTimeout.
	TxTimeout time.Duration

	// AppName defaults to DefaultAppName.
	AppName string
}

// Engine exports and imports artifacts.
type Engine struct {
	cfg Config
}

// New creates an Engine. Every component must be set.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.DB == nil, cfg.Vault == nil, cfg.Credentials == nil,
		cfg.Transactions == nil, cfg.MountainLogs == nil,
		cfg.Documents == nil, cfg.Contacts == nil, cfg.APIConfigs == nil:

		return nil, errors.New("backup engine requires every collection owner")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = DefaultTxTimeout
	}
	if cfg.AppName == "" {
		cfg.AppName = DefaultAppName
	}
	return &Engine{cfg: cfg}, nil
}

// ExportOptions controls how large binaries are exported.
type ExportOptions struct {
	// IncludeImages keeps image attachment data.
	IncludeImages bool

	// IncludePDFs keeps PDF attachment data.
	IncludePDFs bool
}

func (o ExportOptions) strip(a *ledger.Attachment) bool {
	switch {
	case a.IsImage():
		return !o.IncludeImages
	case a.IsPDF():
		return !o.IncludePDFs
	}
	return false
}

// Export reads every collection, each in its own read-only transaction.
// A failure reading accounts is returned; failures on other collections
// are logged and exported as empty.
func (e *Engine) Export(ctx context.Context, opts ExportOptions) (*Artifact, error) {
	a := &Artifact{
		Version:   FormatVersion,
		CreatedAt: e.cfg.Clock.Now().UnixMilli(),
		Metadata: Metadata{
			AppName:        e.cfg.AppName,
			IncludesImages: opts.IncludeImages,
			IncludesPDFs:   opts.IncludePDFs,
		},
	}

	accounts, err := e.cfg.Vault.List(ctx)
	if err != nil {
		log.Errorf("Unable to export accounts: %v", err)
		return nil, fmt.Errorf("export accounts: %w", err)
	}
	a.Accounts = nonNil(accounts)

	creds, err := e.cfg.Credentials.List(ctx)
	a.WebAuthnCredentials = nonNil(exportWarn(CollCredentials, creds, err))

	a.Transactions = e.exportLedger(ctx, CollTransactions, e.cfg.Transactions, opts)
	a.MountainLogs = e.exportLedger(ctx, CollMountainLogs, e.cfg.MountainLogs, opts)
	a.Documents = e.exportLedger(ctx, CollDocuments, e.cfg.Documents, opts)

	contacts, err := e.cfg.Contacts.Load(ctx)
	a.Contacts = nonNil(exportWarn(CollContacts, contacts, err))

	apiConfigs, err := e.cfg.APIConfigs.Load(ctx)
	a.APIConfigs = nonNil(exportWarn(CollAPIConfigs, apiConfigs, err))

	log.Infof("Exported %d account(s), %d credential(s), %d transaction(s), "+
		"%d mountain log(s), %d document(s)", len(a.Accounts),
		len(a.WebAuthnCredentials), len(a.Transactions),
		len(a.MountainLogs), len(a.Documents))

	return a, nil
}

func (e *Engine) exportLedger(ctx context.Context, name string, l *ledger.Ledger,
	opts ExportOptions) []*ledger.Record {

	records, err := l.List(ctx)
	records = exportWarn(name, records, err)

	out := make([]*ledger.Record, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Stripped(opts.strip))
	}
	return out
}

func exportWarn[T any](name string, items []T, err error) []T {
	if err != nil {
		log.Warnf("Unable to export %v, exporting it as empty: %v", name, err)
		return nil
	}
	return items
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// ImportOptions selects the collections whose existing records are
// replaced by imported ones.
type ImportOptions struct {
	// OverwriteAll replaces existing records in every collection.
	OverwriteAll bool

	// Overwrite replaces existing records of the named collections.
	Overwrite map[string]bool
}

func (o ImportOptions) overwrite(collection string) bool {
	return o.OverwriteAll || o.Overwrite[collection]
}

// RecordError is the failure of one imported record.
type RecordError struct {
	Key string
	Err error
}

func (e RecordError) Error() string {
	if e.Key == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e RecordError) Unwrap() error {
	return e.Err
}

// CollectionReport tallies the import of one collection.
type CollectionReport struct {
	Imported int
	Skipped  int
	Errors   []RecordError

	// Err is set when the collection's transaction failed or stalled. Its
	// counts are then not reliable.
	Err error
}

// ImportReport tallies an import per collection.
type ImportReport struct {
	Collections map[string]*CollectionReport
}

// Collection returns the report of a collection. It is never nil.
func (r *ImportReport) Collection(name string) *CollectionReport {
	if c, ok := r.Collections[name]; ok {
		return c
	}
	return &CollectionReport{}
}

// Totals sums the counts of every collection.
func (r *ImportReport) Totals() (imported, skipped, failed int) {
	for _, c := range r.Collections {
		imported += c.Imported
		skipped += c.Skipped
		failed += len(c.Errors)
		if c.Err != nil {
			failed++
		}
	}
	return imported, skipped, failed
}

// Import merges a into the store. Collections are imported one after the
// other, each in its own read-write transaction. Per-record failures are
// reported, never returned; the returned error is only set when ctx ends.
func (e *Engine) Import(ctx context.Context, a *Artifact, opts ImportOptions) (*ImportReport, error) {
	report := &ImportReport{Collections: make(map[string]*CollectionReport)}

	steps := map[string]func(tx *bolt.Tx, overwrite bool, rep *CollectionReport){
		CollAccounts: func(tx *bolt.Tx, overwrite bool, rep *CollectionReport) {
			for _, acct := range a.Accounts {
				written, err := e.cfg.Vault.MergeTx(tx, acct, overwrite)
				tally(rep, accountKey(acct), written, err)
			}
		},
		CollCredentials: func(tx *bolt.Tx, overwrite bool, rep *CollectionReport) {
			for _, cred := range a.WebAuthnCredentials {
				written, err := e.cfg.Credentials.MergeTx(tx, cred, overwrite)
				tally(rep, credentialKey(cred), written, err)
			}
		},
		CollTransactions: e.ledgerStep(e.cfg.Transactions, a.Transactions),
		CollMountainLogs: e.ledgerStep(e.cfg.MountainLogs, a.MountainLogs),
		CollDocuments:    e.ledgerStep(e.cfg.Documents, a.Documents),
		CollContacts: func(tx *bolt.Tx, overwrite bool, rep *CollectionReport) {
			res, err := e.cfg.Contacts.MergeTx(tx, a.Contacts, overwrite)
			tallyMerge(rep, res, err)
		},
		CollAPIConfigs: func(tx *bolt.Tx, overwrite bool, rep *CollectionReport) {
			res, err := e.cfg.APIConfigs.MergeTx(tx, a.APIConfigs, overwrite)
			tallyMerge(rep, res, err)
		},
	}

	for _, name := range Collections {
		rep, err := e.importCollection(ctx, name, opts.overwrite(name), steps[name])
		if err != nil {
			return report, err
		}
		rep.Errors = append(slices.Clone(a.DecodeErrors[name]), rep.Errors...)
		report.Collections[name] = rep
	}

	imported, skipped, failed := report.Totals()
	log.Infof("Import finished: %d imported, %d skipped, %d failed",
		imported, skipped, failed)

	return report, nil
}

func (e *Engine) ledgerStep(l *ledger.Ledger,
	records []*ledger.Record) func(*bolt.Tx, bool, *CollectionReport) {

	return func(tx *bolt.Tx, overwrite bool, rep *CollectionReport) {
		for _, rec := range records {
			written, err := l.MergeTx(tx, rec, overwrite)
			tally(rep, recordKey(rec), written, err)
		}
	}
}

// importCollection runs step in one read-write transaction and waits for
// it to complete, at most TxTimeout. A stalled transaction is left to
// finish on its own.
func (e *Engine) importCollection(ctx context.Context, name string, overwrite bool,
	step func(*bolt.Tx, bool, *CollectionReport)) (*CollectionReport, error) {

	type result struct {
		rep *CollectionReport
		err error
	}
	done := make(chan result, 1)

	go func() {
		rep := &CollectionReport{}
		err := e.cfg.DB.Update(context.WithoutCancel(ctx), func(tx *bolt.Tx) error {
			*rep = CollectionReport{}
			step(tx, overwrite, rep)
			return nil
		})
		done <- result{rep: rep, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			log.Errorf("Import of %v failed: %v", name, res.err)
			return &CollectionReport{Err: res.err}, nil
		}
		log.Debugf("Imported %v: %d imported, %d skipped, %d failed", name,
			res.rep.Imported, res.rep.Skipped, len(res.rep.Errors))
		return res.rep, nil

	case <-e.cfg.Clock.TickAfter(e.cfg.TxTimeout):
		log.Warnf("Import of %v did not complete within %v, continuing "+
			"with the next collection", name, e.cfg.TxTimeout)
		return &CollectionReport{Err: ErrTxStalled}, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func tally(rep *CollectionReport, key string, written bool, err error) {
	switch {
	case err != nil:
		rep.Errors = append(rep.Errors, RecordError{Key: key, Err: err})
	case written:
		rep.Imported++
	default:
		rep.Skipped++
	}
}

func tallyMerge(rep *CollectionReport, res settings.MergeResult, err error) {
	if err != nil {
		rep.Errors = append(rep.Errors, RecordError{Err: err})
		return
	}
	rep.Imported += res.Imported
	rep.Skipped += res.Skipped
	for _, err := range res.Errors {
		rep.Errors = append(rep.Errors, RecordError{Err: err})
	}
}

func accountKey(a *vault.Account) string {
	if a == nil {
		return ""
	}
	return a.Address
}

func credentialKey(c *webauthn.Credential) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func recordKey(r *ledger.Record) string {
	if r == nil {
		return ""
	}
	return r.ID
}
