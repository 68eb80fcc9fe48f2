package webauthn

import (
	"bytes"
	"context"
	stdcrypto "crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/illarion/walletvault/internal/crypto"
	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// ChallengeSize is the size of generated challenges.
	ChallengeSize = 32

	// SaltSize is the size of a credential's key derivation salt.
	SaltSize = 32

	// StablePrefixSize covers the relying party id hash (32), the flags
	// byte and the 4 byte signature counter of authenticator data.
	StablePrefixSize = 37

	// KeyDerivationIterations is the PBKDF2 iteration count of DeriveKey.
	KeyDerivationIterations = 100000

	// DefaultTimeout is the ceremony timeout passed to the platform.
	DefaultTimeout = 60 * time.Second

	flagUserPresent = 0x01
)

// Config configures the relying party side of ceremonies.
type Config struct {
	// RPID is the relying party id, the effective domain.
	RPID string

	// RPName is shown by the authenticator during registration.
	RPName string

	// Origin is the expected client data origin. Empty skips the check.
	Origin string

	// StrictCounter turns a non-increasing signature counter into an
	// authentication failure instead of a logged anomaly.
	StrictCounter bool

	// Timeout is passed to the platform. Zero selects DefaultTimeout.
	Timeout time.Duration
}

// Module runs registration and authentication ceremonies.
type Module struct {
	platform Platform
	creds    *CredentialStore
	cfg      Config
	clock    clock.Clock
}

// Option configures a Module.
type Option func(*Module)

// WithClock overrides the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Module) {
		m.clock = c
	}
}

// New creates a Module.
func New(platform Platform, creds *CredentialStore, cfg Config, opts ...Option) *Module {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RPName == "" {
		cfg.RPName = cfg.RPID
	}
	m := &Module{
		platform: platform,
		creds:    creds,
		cfg:      cfg,
		clock:    clock.NewDefaultClock(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Credentials returns the credential store of the module.
func (m *Module) Credentials() *CredentialStore {
	return m.creds
}

// Assertion holds the raw outputs of an authentication ceremony.
type Assertion struct {
	CredentialID      string
	Signature         []byte
	AuthenticatorData []byte
	ClientDataJSON    []byte
	Challenge         []byte
}

type clientData struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Origin    string `json:"origin"`
}

// Register creates a new credential for userID. The returned credential is
// not stored.
func (m *Module) Register(ctx context.Context, userID, displayName string) (*Credential, error) {
	if !m.platform.SecureContext() {
		return nil, ErrInsecureContext
	}

	challenge, err := crypto.GenerateRandom(ChallengeSize)
	if err != nil {
		return nil, err
	}

	known, err := m.creds.List(ctx)
	if err != nil {
		return nil, err
	}
	exclude := make([][]byte, 0, len(known))
	for _, c := range known {
		if raw, err := c.RawID(); err == nil {
			exclude = append(exclude, raw)
		}
	}

	att, err := m.platform.Create(ctx, CreationOptions{
		Challenge:    challenge,
		RelyingParty: RelyingParty{ID: m.cfg.RPID, Name: m.cfg.RPName},
		User: User{
			ID:          []byte(userID),
			Name:        userID,
			DisplayName: displayName,
		},
		Algorithms:         []int{AlgES256, AlgRS256},
		ExcludeCredentials: exclude,
		UserVerification:   UserVerificationPreferred,
		Attestation:        AttestationNone,
		Timeout:            m.cfg.Timeout,
	})
	if err != nil {
		log.Debugf("Credential creation failed: %v", err)
		return nil, classifyPlatformError(err)
	}

	if err := m.checkClientData(att.ClientDataJSON, ClientDataCreate, challenge); err != nil {
		return nil, err
	}
	if len(att.RawID) == 0 {
		return nil, fmt.Errorf("%w: empty credential id", ErrUnsupportedAuthenticator)
	}
	if att.Algorithm != AlgES256 && att.Algorithm != AlgRS256 {
		return nil, fmt.Errorf("%w: algorithm %d", ErrUnsupportedAuthenticator,
			att.Algorithm)
	}
	if _, err := parsePublicKey(att.PublicKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedAuthenticator, err)
	}

	id := EncodeID(att.RawID)
	for _, c := range known {
		if c.ID == id {
			return nil, ErrDuplicateCredential
		}
	}

	salt, err := crypto.GenerateRandom(SaltSize)
	if err != nil {
		return nil, err
	}

	var counter uint32
	if len(att.AuthenticatorData) >= StablePrefixSize {
		counter = signCount(att.AuthenticatorData)
	}

	log.Infof("Registered credential %v (alg %d) for %v", id, att.Algorithm, userID)

	return &Credential{
		ID:                id,
		PublicKey:         att.PublicKey,
		Algorithm:         att.Algorithm,
		SignatureCounter:  counter,
		KeyDerivationSalt: salt,
		UserID:            userID,
		DisplayName:       displayName,
		CreatedAt:         m.clock.Now(),
	}, nil
}

// Authenticate requests an assertion for the stored credential id. A nil
// challenge is replaced by a random one.
func (m *Module) Authenticate(ctx context.Context, credentialID string,
	challenge []byte) (*Assertion, error) {

	if !m.platform.SecureContext() {
		return nil, ErrInsecureContext
	}

	cred, err := m.creds.Get(ctx, credentialID)
	if err != nil {
		return nil, err
	}
	raw, err := cred.RawID()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCredentialNotFound, err)
	}

	if challenge == nil {
		challenge, err = crypto.GenerateRandom(ChallengeSize)
		if err != nil {
			return nil, err
		}
	}

	resp, err := m.platform.Get(ctx, RequestOptions{
		Challenge:        challenge,
		RelyingPartyID:   m.cfg.RPID,
		AllowCredentials: [][]byte{raw},
		UserVerification: UserVerificationPreferred,
		Timeout:          m.cfg.Timeout,
	})
	if err != nil {
		log.Debugf("Assertion for %v failed: %v", credentialID, err)
		return nil, classifyPlatformError(err)
	}
	if !bytes.Equal(resp.RawID, raw) {
		return nil, fmt.Errorf("%w: assertion for another credential",
			ErrCredentialNotFound)
	}

	return &Assertion{
		CredentialID:      credentialID,
		Signature:         resp.Signature,
		AuthenticatorData: resp.AuthenticatorData,
		ClientDataJSON:    resp.ClientDataJSON,
		Challenge:         challenge,
	}, nil
}

// DeriveKey derives a 256-bit key from the stable prefix of
// authenticatorData and salt: the SHA-256 of prefix || salt is stretched
// with PBKDF2-SHA256 using salt. The prefix includes the signature counter,
// so the key only repeats for authenticators whose counter stays fixed.
func DeriveKey(authenticatorData, salt []byte) ([]byte, error) {
	if len(authenticatorData) < StablePrefixSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortAuthenticatorData,
			len(authenticatorData))
	}

	h := sha256.New()
	h.Write(authenticatorData[:StablePrefixSize])
	h.Write(salt)
	material := h.Sum(nil)
	defer crypto.ClearBytes(material)

	return pbkdf2.Key(material, salt, KeyDerivationIterations, crypto.KeySize,
		sha256.New), nil
}

// VerifySignature checks an assertion signature over
// authenticatorData || SHA-256(clientDataJSON). ECDSA is tried first, then
// RSA PKCS #1 v1.5. It returns false on any failure.
func VerifySignature(signature, authenticatorData, clientDataJSON, publicKey []byte) bool {
	pub, err := parsePublicKey(publicKey)
	if err != nil {
		return false
	}

	clientHash := sha256.Sum256(clientDataJSON)
	h := sha256.New()
	h.Write(authenticatorData)
	h.Write(clientHash[:])
	digest := h.Sum(nil)

	if key, ok := pub.(*ecdsa.PublicKey); ok {
		return ecdsa.VerifyASN1(key, digest, signature)
	}
	if key, ok := pub.(*rsa.PublicKey); ok {
		return rsa.VerifyPKCS1v15(key, stdcrypto.SHA256, digest, signature) == nil
	}
	return false
}

func parsePublicKey(der []byte) (any, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, err
	}
	switch pub.(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey:
		return pub, nil
	}
	return nil, fmt.Errorf("unsupported public key type %T", pub)
}

func signCount(authenticatorData []byte) uint32 {
	return binary.BigEndian.Uint32(authenticatorData[33:37])
}

func (m *Module) checkClientData(raw []byte, typ string, challenge []byte) error {
	var cd clientData
	if err := json.Unmarshal(raw, &cd); err != nil {
		return fmt.Errorf("%w: %v", ErrClientDataMismatch, err)
	}
	if cd.Type != typ {
		return fmt.Errorf("%w: type %q", ErrClientDataMismatch, cd.Type)
	}
	got, err := base64.RawURLEncoding.DecodeString(cd.Challenge)
	if err != nil || !crypto.ConstantTimeCompare(got, challenge) {
		return fmt.Errorf("%w: challenge", ErrClientDataMismatch)
	}
	if m.cfg.Origin != "" && cd.Origin != m.cfg.Origin {
		return fmt.Errorf("%w: origin %q", ErrClientDataMismatch, cd.Origin)
	}
	return nil
}

// UnlockResult is the outcome of a successful Unlock.
type UnlockResult struct {
	Key        []byte
	Credential *Credential

	// CounterAnomaly is set when the signature counter did not increase.
	CounterAnomaly bool

	// Reproducible is set when the authenticator reports a zero signature
	// counter, so every ceremony derives the same Key. Only such keys may
	// seal data.
	Reproducible bool
}

// Unlock authenticates with the stored credential, verifies the assertion
// and returns the key derived from it. The new signature counter and the
// time of use are persisted.
func (m *Module) Unlock(ctx context.Context, credentialID string) (*UnlockResult, error) {
	cred, err := m.creds.Get(ctx, credentialID)
	if err != nil {
		return nil, err
	}

	assertion, err := m.Authenticate(ctx, credentialID, nil)
	if err != nil {
		return nil, err
	}
	authData := assertion.AuthenticatorData
	if len(authData) < StablePrefixSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortAuthenticatorData, len(authData))
	}

	err = m.checkClientData(assertion.ClientDataJSON, ClientDataGet, assertion.Challenge)
	if err != nil {
		return nil, err
	}
	rpHash := sha256.Sum256([]byte(m.cfg.RPID))
	if !bytes.Equal(authData[:32], rpHash[:]) {
		return nil, fmt.Errorf("%w: relying party id hash", ErrClientDataMismatch)
	}
	if authData[32]&flagUserPresent == 0 {
		return nil, fmt.Errorf("%w: user not present", ErrClientDataMismatch)
	}
	if !VerifySignature(assertion.Signature, authData, assertion.ClientDataJSON, cred.PublicKey) {
		return nil, ErrSignatureInvalid
	}

	counter := signCount(authData)
	anomaly := counterAnomaly(cred.SignatureCounter, counter)
	if anomaly {
		log.Warnf("Signature counter of credential %v did not increase "+
			"(stored %d, received %d), authenticator may be cloned",
			credentialID, cred.SignatureCounter, counter)
		if m.cfg.StrictCounter {
			return nil, fmt.Errorf("%w: stored %d, received %d",
				ErrCounterRegression, cred.SignatureCounter, counter)
		}
	}

	key, err := DeriveKey(authData, cred.KeyDerivationSalt)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	updated, err := m.creds.Update(ctx, credentialID, func(c *Credential) error {
		if counter > c.SignatureCounter {
			c.SignatureCounter = counter
		}
		c.LastUsedAt = &now
		return nil
	})
	if err != nil {
		crypto.ClearBytes(key)
		return nil, err
	}

	return &UnlockResult{
		Key:            key,
		Credential:     updated,
		CounterAnomaly: anomaly,
		Reproducible:   counter == 0,
	}, nil
}

// counterAnomaly reports whether received fails to advance stored. Two zero
// counters mean the authenticator does not implement a counter.
func counterAnomaly(stored, received uint32) bool {
	if stored == 0 && received == 0 {
		return false
	}
	return received <= stored
}

// IsUserFacing reports whether err is an authenticator error that should
// be shown to the user as is.
func IsUserFacing(err error) bool {
	for _, known := range platformErrors {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}
