package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btclog"
	"github.com/illarion/walletvault/internal/ledger"
	"github.com/illarion/walletvault/internal/settings"
	"github.com/illarion/walletvault/internal/storage"
	"github.com/illarion/walletvault/internal/vault"
	"github.com/illarion/walletvault/internal/webauthn"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"pgregory.net/rapid"
)

var testTime = time.Date(2024, 9, 12, 18, 0, 0, 0, time.UTC)

type testEnv struct {
	engine       *Engine
	provider     *storage.Provider
	vault        *vault.Vault
	creds        *webauthn.CredentialStore
	transactions *ledger.Ledger
	documents    *ledger.Ledger
	contacts     *settings.Store[settings.Contact]
	apiConfigs   *settings.Store[settings.APIConfig]
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWith(t, storage.NewProvider(storage.DefaultConfig(
		filepath.Join(t.TempDir(), "wallet.db"),
	)), nil)
}

func newTestEnvWith(t *testing.T, p *storage.Provider, db storage.Backend) *testEnv {
	t.Helper()
	t.Cleanup(func() { p.Close() })
	if db == nil {
		db = p
	}

	c := clock.NewTestClock(testTime)
	env := &testEnv{
		provider:   p,
		vault:      vault.New(p, vault.WithClock(c)),
		creds:      webauthn.NewCredentialStore(p, c),
		contacts:   settings.NewContacts(p),
		apiConfigs: settings.NewAPIConfigs(p),
	}

	var mountainLogs *ledger.Ledger
	var err error
	env.transactions, err = ledger.New(p, ledger.Transactions, ledger.WithClock(c))
	require.NoError(t, err)
	mountainLogs, err = ledger.New(p, ledger.MountainLogs, ledger.WithClock(c))
	require.NoError(t, err)
	env.documents, err = ledger.New(p, ledger.Documents, ledger.WithClock(c))
	require.NoError(t, err)

	env.engine, err = New(Config{
		DB:           db,
		Vault:        env.vault,
		Credentials:  env.creds,
		Transactions: env.transactions,
		MountainLogs: mountainLogs,
		Documents:    env.documents,
		Contacts:     env.contacts,
		APIConfigs:   env.apiConfigs,
		Clock:        c,
	})
	require.NoError(t, err)
	return env
}

func testAccount(address, name string) *vault.Account {
	return &vault.Account{
		Address:       address,
		EncryptedData: []byte{0x01, 0xde, 0xad, 0xbe, 0xef},
		PublicKey:     vault.HexBytes{0x02, 0x03},
		CryptoScheme:  vault.SchemeEd25519,
		KeySource:     vault.KeySourcePassword,
		Meta:          vault.Meta{DisplayName: name},
	}
}

// populate fills every collection of env.
func (env *testEnv) populate(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, env.vault.Put(ctx, testAccount("5Alice", "alice")))
	require.NoError(t, env.vault.Put(ctx, testAccount("5Bob", "bob")))

	require.NoError(t, env.creds.Put(ctx, &webauthn.Credential{
		ID:                webauthn.EncodeID([]byte("credential-1")),
		PublicKey:         []byte{0x30, 0x59},
		Algorithm:         webauthn.AlgES256,
		KeyDerivationSalt: []byte("salt-salt-salt-salt-salt-salt-32"),
		DisplayName:       "laptop",
	}))

	require.NoError(t, env.transactions.Put(ctx, &ledger.Record{
		Account:  "5Alice",
		Category: "transfer",
		Hash:     "0xabc",
		Payload:  json.RawMessage(`{"amount":"12.5"}`),
	}))
	require.NoError(t, env.documents.Put(ctx, &ledger.Record{
		ID:      "doc-1",
		Account: "5Bob",
		Title:   "receipt",
		Attachment: &ledger.Attachment{
			Name:     "receipt.png",
			MimeType: "image/png",
			Size:     4,
			Data:     []byte{0x89, 'P', 'N', 'G'},
		},
	}))

	require.NoError(t, env.contacts.Upsert(ctx, settings.Contact{
		ID: "c1", Name: "Carol", Address: "5Carol",
	}))
	require.NoError(t, env.apiConfigs.Upsert(ctx, settings.APIConfig{
		ID: "rpc", Name: "main rpc", Endpoint: "wss://rpc.example.org",
	}))
}

func marshal(t *testing.T, a *Artifact) []byte {
	t.Helper()
	data, err := a.Marshal()
	require.NoError(t, err)
	return data
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestEnv(t)
	src.populate(t)

	exported, err := src.engine.Export(ctx, ExportOptions{IncludeImages: true})
	require.NoError(t, err)
	require.Equal(t, FormatVersion, exported.Version)
	require.Equal(t, testTime.UnixMilli(), exported.CreatedAt)
	require.Equal(t, DefaultAppName, exported.Metadata.AppName)
	require.Len(t, exported.Accounts, 2)
	require.Len(t, exported.WebAuthnCredentials, 1)
	require.Len(t, exported.Transactions, 1)
	require.Len(t, exported.Documents, 1)
	require.Len(t, exported.Contacts, 1)
	require.Len(t, exported.APIConfigs, 1)

	parsed, err := ParseArtifact(marshal(t, exported))
	require.NoError(t, err)

	dst := newTestEnv(t)
	report, err := dst.engine.Import(ctx, parsed, ImportOptions{})
	require.NoError(t, err)

	imported, skipped, failed := report.Totals()
	require.Equal(t, 7, imported)
	require.Zero(t, skipped)
	require.Zero(t, failed)

	again, err := dst.engine.Export(ctx, ExportOptions{IncludeImages: true})
	require.NoError(t, err)
	require.JSONEq(t, string(marshal(t, exported)), string(marshal(t, again)))
}

func TestExportStripsAttachments(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.populate(t)

	a, err := env.engine.Export(ctx, ExportOptions{})
	require.NoError(t, err)
	require.False(t, a.Metadata.IncludesImages)
	require.Len(t, a.Documents, 1)
	require.True(t, a.Documents[0].Attachment.Stripped)
	require.Nil(t, a.Documents[0].Attachment.Data)

	// The stored document keeps its data.
	doc, err := env.documents.Get(ctx, "doc-1")
	require.NoError(t, err)
	require.NotEmpty(t, doc.Attachment.Data)
}

func TestImportIsIdempotent(t *testing.T) {
	ctx := context.Background()
	src := newTestEnv(t)
	src.populate(t)

	a, err := src.engine.Export(ctx, ExportOptions{IncludeImages: true})
	require.NoError(t, err)

	dst := newTestEnv(t)
	_, err = dst.engine.Import(ctx, a, ImportOptions{})
	require.NoError(t, err)
	first, err := dst.engine.Export(ctx, ExportOptions{IncludeImages: true})
	require.NoError(t, err)

	report, err := dst.engine.Import(ctx, a, ImportOptions{})
	require.NoError(t, err)
	imported, skipped, failed := report.Totals()
	require.Zero(t, imported)
	require.Equal(t, 7, skipped)
	require.Zero(t, failed)

	second, err := dst.engine.Export(ctx, ExportOptions{IncludeImages: true})
	require.NoError(t, err)
	require.Equal(t, marshal(t, first), marshal(t, second))
}

func TestImportConflicts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.vault.Put(ctx, testAccount("5Alice", "local")))
	before, err := env.vault.Get(ctx, "5Alice")
	require.NoError(t, err)

	incoming := &Artifact{
		Version:  FormatVersion,
		Accounts: []*vault.Account{testAccount("5Alice", "incoming")},
	}

	report, err := env.engine.Import(ctx, incoming, ImportOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, report.Collection(CollAccounts).Skipped)

	after, err := env.vault.Get(ctx, "5Alice")
	require.NoError(t, err)
	require.Equal(t, before, after)

	report, err = env.engine.Import(ctx, incoming, ImportOptions{
		Overwrite: map[string]bool{CollAccounts: true},
	})
	require.NoError(t, err)
	require.Equal(t, 1, report.Collection(CollAccounts).Imported)

	after, err = env.vault.Get(ctx, "5Alice")
	require.NoError(t, err)
	require.Equal(t, "incoming", after.Meta.DisplayName)
}

func TestImportReportsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	doc := `{
		"version": "1.2.0",
		"accounts": [
			{"address": "5Empty", "encryptedData": null, "cryptoScheme": "ed25519"},
			{"address": "5Good", "encryptedData": "AQID", "cryptoScheme": "ed25519"},
			42
		],
		"contacts": [{"name": "no key"}, {"id": "c1", "name": "Dave", "address": "5Dave"}]
	}`
	a, err := ParseArtifact([]byte(doc))
	require.NoError(t, err)
	require.Len(t, a.Accounts, 2)

	report, err := env.engine.Import(ctx, a, ImportOptions{})
	require.NoError(t, err)

	accounts := report.Collection(CollAccounts)
	require.Equal(t, 1, accounts.Imported)
	require.Len(t, accounts.Errors, 2)
	require.ErrorIs(t, accounts.Errors[0], ErrMalformedArtifact)
	require.Equal(t, "#2", accounts.Errors[0].Key)
	require.ErrorIs(t, accounts.Errors[1], storage.ErrInvalidInput)
	require.Equal(t, "5Empty", accounts.Errors[1].Key)

	contacts := report.Collection(CollContacts)
	require.Equal(t, 1, contacts.Imported)
	require.Len(t, contacts.Errors, 1)

	_, err = env.vault.Get(ctx, "5Empty")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = env.vault.Get(ctx, "5Good")
	require.NoError(t, err)
}

func TestImportRejectsEmptyEncryptedData(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	a, err := ParseArtifact([]byte(`{"accounts": [
		{"address": "5Gxxx", "encryptedData": "", "publicKey": "0xAB"}
	]}`))
	require.NoError(t, err)
	require.Len(t, a.Accounts, 1)

	report, err := env.engine.Import(ctx, a, ImportOptions{})
	require.NoError(t, err)

	accounts := report.Collection(CollAccounts)
	require.Zero(t, accounts.Imported)
	require.Len(t, accounts.Errors, 1)
	require.ErrorIs(t, accounts.Errors[0], storage.ErrInvalidInput)
	require.Equal(t, "5Gxxx", accounts.Errors[0].Key)

	n, err := env.vault.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReimportSameFileWithoutIDs(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	doc := []byte(`{"version": "1.2.0", "transactions": [
		{"account": "5Alice", "category": "transfer", "status": "done"},
		{"account": "5Alice", "category": "transfer", "status": "pending"}
	]}`)

	for i := 0; i < 2; i++ {
		a, err := ParseArtifact(doc)
		require.NoError(t, err)

		report, err := env.engine.Import(ctx, a, ImportOptions{})
		require.NoError(t, err)

		txs := report.Collection(CollTransactions)
		require.Empty(t, txs.Errors)
		if i == 0 {
			require.Equal(t, 2, txs.Imported)
		} else {
			require.Zero(t, txs.Imported)
			require.Equal(t, 2, txs.Skipped)
		}
	}

	n, err := env.transactions.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestParseArtifact(t *testing.T) {
	t.Run("foreign format", func(t *testing.T) {
		_, err := ParseArtifact([]byte(`{
			"encoded": "...",
			"encoding": {"content": ["batch-pkcs8"]},
			"accounts": []
		}`))
		require.ErrorIs(t, err, ErrWrongArtifactFormat)
	})

	t.Run("unrelated document", func(t *testing.T) {
		_, err := ParseArtifact([]byte(`{"hello": "world"}`))
		require.ErrorIs(t, err, ErrWrongArtifactFormat)
	})

	t.Run("not an object", func(t *testing.T) {
		for _, doc := range []string{`[]`, `null`, `"x"`, `{`} {
			_, err := ParseArtifact([]byte(doc))
			require.ErrorIs(t, err, ErrMalformedArtifact, doc)
		}
	})

	t.Run("non-array collections are empty", func(t *testing.T) {
		a, err := ParseArtifact([]byte(`{
			"version": 1,
			"accounts": {"address": "5Alice"},
			"transactions": "none",
			"contacts": null
		}`))
		require.NoError(t, err)
		require.Equal(t, "1", a.Version)
		require.Empty(t, a.Accounts)
		require.Empty(t, a.Transactions)
		require.Empty(t, a.Contacts)
		require.Empty(t, a.DecodeErrors)
	})

	t.Run("unreadable createdAt is logged", func(t *testing.T) {
		var logs bytes.Buffer
		logger := btclog.NewBackend(&logs).Logger(Subsystem)
		UseLogger(logger)
		t.Cleanup(DisableLog)

		a, err := ParseArtifact([]byte(`{
			"version": "1.2.0",
			"createdAt": "last tuesday",
			"accounts": []
		}`))
		require.NoError(t, err)
		require.Zero(t, a.CreatedAt)
		require.Contains(t, logs.String(), "createdAt")
	})

	t.Run("unknown fields are ignored", func(t *testing.T) {
		a, err := ParseArtifact([]byte(`{
			"version": "2.0.0",
			"accounts": [],
			"futureCollection": [1, 2, 3]
		}`))
		require.NoError(t, err)
		require.Equal(t, "2.0.0", a.Version)
	})
}

func TestSealUnseal(t *testing.T) {
	a := &Artifact{
		Version:   FormatVersion,
		CreatedAt: testTime.UnixMilli(),
		Accounts:  []*vault.Account{testAccount("5Alice", "alice")},
	}

	data, err := sealWith(a, []byte("correct horse"), 1<<10, 8, 1)
	require.NoError(t, err)
	require.True(t, IsSealed(data))
	require.NotContains(t, string(data), "5Alice")

	opened, err := Unseal(data, []byte("correct horse"))
	require.NoError(t, err)
	require.Len(t, opened.Accounts, 1)
	require.Equal(t, "5Alice", opened.Accounts[0].Address)

	_, err = Unseal(data, []byte("wrong"))
	require.ErrorIs(t, err, ErrWrongBackupPassword)

	_, err = Load(data, nil)
	require.ErrorIs(t, err, ErrPasswordRequired)

	// Tampering with the ciphertext is detected.
	var s sealed
	require.NoError(t, json.Unmarshal(data, &s))
	s.Cipher[0] ^= 0xff
	tampered, err := json.Marshal(s)
	require.NoError(t, err)
	_, err = Unseal(tampered, []byte("correct horse"))
	require.ErrorIs(t, err, ErrWrongBackupPassword)
}

func TestUnsealRejectsExcessiveCost(t *testing.T) {
	a := &Artifact{Version: FormatVersion}
	data, err := sealWith(a, []byte("pw"), 1<<10, 8, 1)
	require.NoError(t, err)

	tests := []struct {
		name    string
		n, r, p int
	}{
		{"huge N", 1 << 30, 8, 1},
		{"huge r", 1 << 10, 1 << 12, 1},
		{"huge p", 1 << 10, 8, 1 << 10},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var s sealed
			require.NoError(t, json.Unmarshal(data, &s))
			s.N, s.R, s.P = tc.n, tc.r, tc.p
			crafted, err := json.Marshal(s)
			require.NoError(t, err)

			_, err = Unseal(crafted, []byte("pw"))
			require.ErrorIs(t, err, ErrMalformedArtifact)
		})
	}
}

func TestWriteReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.json")
	a := &Artifact{
		Version:  FormatVersion,
		Accounts: []*vault.Account{testAccount("5Alice", "alice")},
	}

	require.NoError(t, WriteArtifact(path, a, nil))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(backupFilePermission), info.Mode().Perm())

	got, err := ReadFile(path, nil)
	require.NoError(t, err)
	require.Equal(t, "5Alice", got.Accounts[0].Address)

	// Rewriting replaces the file and leaves no temporary behind.
	a.Accounts = append(a.Accounts, testAccount("5Bob", "bob"))
	require.NoError(t, WriteArtifact(path, a, nil))
	got, err = ReadFile(path, nil)
	require.NoError(t, err)
	require.Len(t, got.Accounts, 2)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestDiffArtifact(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.vault.Put(ctx, testAccount("5Alice", "alice")))
	require.NoError(t, env.vault.Put(ctx, testAccount("5Bob", "bob")))
	stored, err := env.vault.Get(ctx, "5Bob")
	require.NoError(t, err)

	changed, err := env.vault.Get(ctx, "5Alice")
	require.NoError(t, err)
	changed.Meta.DisplayName = "savings"

	a := &Artifact{
		Version: FormatVersion,
		Accounts: []*vault.Account{
			changed,
			stored,
			testAccount("5Carol", "carol"),
		},
	}

	diffs, err := env.engine.DiffArtifact(ctx, a)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	require.Equal(t, CollAccounts, diffs[0].Collection)
	require.Equal(t, "5Alice", diffs[0].Key)
	require.Contains(t, diffs[0].Unified, "--- stored/accounts/5Alice")
	require.Contains(t, diffs[0].Unified, "savings")

	// Nothing was written.
	got, err := env.vault.Get(ctx, "5Alice")
	require.NoError(t, err)
	require.Equal(t, "alice", got.Meta.DisplayName)
	_, err = env.vault.Get(ctx, "5Carol")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

// stallingBackend holds every write transaction until released.
type stallingBackend struct {
	storage.Backend
	release chan struct{}
}

func (s *stallingBackend) Update(ctx context.Context, fn func(tx *bolt.Tx) error) error {
	<-s.release
	return errors.New("released")
}

func TestImportStalledCollection(t *testing.T) {
	dir := t.TempDir()
	p := storage.NewProvider(storage.DefaultConfig(filepath.Join(dir, "wallet.db")))
	stall := &stallingBackend{Backend: p, release: make(chan struct{})}
	env := newTestEnvWith(t, p, stall)
	t.Cleanup(func() { close(stall.release) })

	env.engine.cfg.Clock = clock.NewDefaultClock()
	env.engine.cfg.TxTimeout = 20 * time.Millisecond

	report, err := env.engine.Import(context.Background(), &Artifact{
		Accounts: []*vault.Account{testAccount("5Alice", "alice")},
	}, ImportOptions{})
	require.NoError(t, err)

	for _, name := range Collections {
		require.ErrorIs(t, report.Collection(name).Err, ErrTxStalled, name)
	}
	_, _, failed := report.Totals()
	require.Equal(t, len(Collections), failed)
}

func TestImportIdempotentProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		env := newTestEnv(t)

		n := rapid.IntRange(0, 8).Draw(rt, "accounts")
		a := &Artifact{Version: FormatVersion}
		seen := make(map[string]bool)
		for i := 0; i < n; i++ {
			addr := fmt.Sprintf("5Addr%d", rapid.IntRange(0, 5).Draw(rt, "address"))
			name := rapid.StringMatching(`[a-z]{0,8}`).Draw(rt, "name")
			a.Accounts = append(a.Accounts, testAccount(addr, name))
			seen[addr] = true
		}

		first, err := env.engine.Import(ctx, a, ImportOptions{})
		require.NoError(rt, err)
		require.Equal(rt, len(seen), first.Collection(CollAccounts).Imported)

		count, err := env.vault.Count(ctx)
		require.NoError(rt, err)
		require.Equal(rt, len(seen), count)

		second, err := env.engine.Import(ctx, a, ImportOptions{})
		require.NoError(rt, err)
		require.Zero(rt, second.Collection(CollAccounts).Imported)
		require.Equal(rt, n, second.Collection(CollAccounts).Skipped)

		count, err = env.vault.Count(ctx)
		require.NoError(rt, err)
		require.Equal(rt, len(seen), count)
	})
}
