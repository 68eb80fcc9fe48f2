// Package webauthntest provides a software authenticator implementing
// webauthn.Platform for tests.
package webauthntest

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/illarion/walletvault/internal/webauthn"
)

const (
	flagUP = 0x01
	flagUV = 0x04
	flagAT = 0x40
)

var aaguid = make([]byte, 16)

type credential struct {
	id      []byte
	rpID    string
	user    []byte
	alg     int
	signer  crypto.Signer
	counter uint32
}

// Authenticator is an in-memory authenticator. It is safe for concurrent
// use.
type Authenticator struct {
	mu sync.Mutex

	origin      string
	insecure    bool
	useRSA      bool
	counterStep uint32
	cancel      bool
	unavailable bool
	creds       map[string]*credential
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithRSA makes the authenticator offer RS256 only.
func WithRSA() Option {
	return func(a *Authenticator) { a.useRSA = true }
}

// WithCounter makes the authenticator increment its signature counter by
// step on every assertion. By default the counter stays at zero like most
// synced passkeys.
func WithCounter(step uint32) Option {
	return func(a *Authenticator) { a.counterStep = step }
}

// Insecure makes the platform report an insecure context.
func Insecure() Option {
	return func(a *Authenticator) { a.insecure = true }
}

// New creates an authenticator whose client data carries origin.
func New(origin string, opts ...Option) *Authenticator {
	a := &Authenticator{
		origin: origin,
		creds:  make(map[string]*credential),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetCancel makes every following ceremony fail with ErrUserCancelled.
func (a *Authenticator) SetCancel(cancel bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancel = cancel
}

// SetUnavailable makes every following ceremony fail as if no
// authenticator were attached.
func (a *Authenticator) SetUnavailable(unavailable bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unavailable = unavailable
}

// SetCounter overwrites the signature counter of a credential, simulating
// a cloned authenticator.
func (a *Authenticator) SetCounter(id string, counter uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.creds[id]; ok {
		c.counter = counter
	}
}

// SecureContext implements webauthn.Platform.
func (a *Authenticator) SecureContext() bool {
	return !a.insecure
}

func (a *Authenticator) check() error {
	switch {
	case a.unavailable:
		return fmt.Errorf("no authenticator attached: %w",
			webauthn.ErrAuthenticatorUnavailable)
	case a.cancel:
		return webauthn.ErrUserCancelled
	}
	return nil
}

// Create implements webauthn.Platform.
func (a *Authenticator) Create(ctx context.Context,
	opts webauthn.CreationOptions) (*webauthn.Attestation, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check(); err != nil {
		return nil, err
	}
	for _, excluded := range opts.ExcludeCredentials {
		if c, ok := a.creds[webauthn.EncodeID(excluded)]; ok &&
			c.rpID == opts.RelyingParty.ID {

			return nil, webauthn.ErrDuplicateCredential
		}
	}

	want := webauthn.AlgES256
	if a.useRSA {
		want = webauthn.AlgRS256
	}
	offered := false
	for _, alg := range opts.Algorithms {
		offered = offered || alg == want
	}
	if !offered {
		return nil, webauthn.ErrUnsupportedAuthenticator
	}

	var (
		signer crypto.Signer
		err    error
	)
	if a.useRSA {
		signer, err = rsa.GenerateKey(rand.Reader, 2048)
	} else {
		signer, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	if err != nil {
		return nil, err
	}
	pub, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, err
	}

	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, err
	}
	cred := &credential{
		id:     id,
		rpID:   opts.RelyingParty.ID,
		user:   opts.User.ID,
		alg:    want,
		signer: signer,
	}
	a.creds[webauthn.EncodeID(id)] = cred

	authData := authenticatorData(cred.rpID, flagUP|flagUV|flagAT, cred.counter)
	idLen := make([]byte, 2)
	binary.BigEndian.PutUint16(idLen, uint16(len(id)))
	authData = append(authData, aaguid...)
	authData = append(authData, idLen...)
	authData = append(authData, id...)

	return &webauthn.Attestation{
		RawID:             id,
		PublicKey:         pub,
		Algorithm:         want,
		AuthenticatorData: authData,
		ClientDataJSON:    a.clientData(webauthn.ClientDataCreate, opts.Challenge),
	}, nil
}

// Get implements webauthn.Platform.
func (a *Authenticator) Get(ctx context.Context,
	opts webauthn.RequestOptions) (*webauthn.AssertionResponse, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check(); err != nil {
		return nil, err
	}

	var cred *credential
	for _, allowed := range opts.AllowCredentials {
		c, ok := a.creds[webauthn.EncodeID(allowed)]
		if ok && c.rpID == opts.RelyingPartyID {
			cred = c
			break
		}
	}
	if cred == nil {
		return nil, webauthn.ErrCredentialNotFound
	}

	cred.counter += a.counterStep
	authData := authenticatorData(cred.rpID, flagUP|flagUV, cred.counter)
	clientData := a.clientData(webauthn.ClientDataGet, opts.Challenge)

	sig, err := Sign(cred.signer, authData, clientData)
	if err != nil {
		return nil, err
	}

	return &webauthn.AssertionResponse{
		RawID:             bytes.Clone(cred.id),
		AuthenticatorData: authData,
		ClientDataJSON:    clientData,
		Signature:         sig,
		UserHandle:        bytes.Clone(cred.user),
	}, nil
}

// Sign produces an assertion signature over authData || SHA-256(clientData).
func Sign(signer crypto.Signer, authData, clientData []byte) ([]byte, error) {
	clientHash := sha256.Sum256(clientData)
	msg := append(bytes.Clone(authData), clientHash[:]...)
	digest := sha256.Sum256(msg)
	return signer.Sign(rand.Reader, digest[:], crypto.SHA256)
}

func authenticatorData(rpID string, flags byte, counter uint32) []byte {
	rpHash := sha256.Sum256([]byte(rpID))
	data := make([]byte, 0, 37)
	data = append(data, rpHash[:]...)
	data = append(data, flags)
	return binary.BigEndian.AppendUint32(data, counter)
}

func (a *Authenticator) clientData(typ string, challenge []byte) []byte {
	data, _ := json.Marshal(map[string]any{
		"type":        typ,
		"challenge":   base64.RawURLEncoding.EncodeToString(challenge),
		"origin":      a.origin,
		"crossOrigin": false,
	})
	return data
}

var _ webauthn.Platform = (*Authenticator)(nil)
