// Package sessiontoken signs and verifies the client-facing session token:
// a compact Ed25519 JWS whose payload is the session id. Keys live in memory
// and are addressed by kid so rotation only requires keeping the old public
// key around.
package sessiontoken

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

type claims struct {
	SessionID string `json:"sid"`
}

// Keyring holds the Ed25519 key set, with one active key for signing.
type Keyring struct {
	activeKid string
	privKeys  map[string]ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey
}

func NewKeyring() *Keyring {
	return &Keyring{
		privKeys: make(map[string]ed25519.PrivateKey),
		pubKeys:  make(map[string]ed25519.PublicKey),
	}
}

// NewEphemeralKeyring generates a single-key keyring. Tokens do not survive
// process restarts; suitable for single-node deployments and tests.
func NewEphemeralKeyring() (*Keyring, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	k := NewKeyring()
	k.AddKey("ephemeral", priv)
	if err := k.SetActive("ephemeral"); err != nil {
		return nil, err
	}
	return k, nil
}

// AddKey registers a key pair under kid. The active key is unchanged.
func (k *Keyring) AddKey(kid string, priv ed25519.PrivateKey) {
	k.privKeys[kid] = priv
	k.pubKeys[kid] = priv.Public().(ed25519.PublicKey)
}

// SetActive selects the key used for signing.
func (k *Keyring) SetActive(kid string) error {
	if _, ok := k.privKeys[kid]; !ok {
		return fmt.Errorf("unknown kid: %s", kid)
	}
	k.activeKid = kid
	return nil
}

// Sign returns the compact token for a session id.
func (k *Keyring) Sign(sessionID string) (string, error) {
	priv, ok := k.privKeys[k.activeKid]
	if !ok {
		return "", fmt.Errorf("no active signing key")
	}

	payload, err := json.Marshal(claims{SessionID: sessionID})
	if err != nil {
		return "", err
	}

	opts := (&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", k.activeKid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return "", fmt.Errorf("create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return jws.CompactSerialize()
}

// Verify checks a compact token and returns the embedded session id.
func (k *Keyring) Verify(token string) (string, error) {
	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return "", fmt.Errorf("parse session token: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return "", fmt.Errorf("unexpected signatures: %d", len(jws.Signatures))
	}

	kid := jws.Signatures[0].Protected.KeyID
	pub, ok := k.pubKeys[kid]
	if !ok {
		return "", fmt.Errorf("unknown kid: %s", kid)
	}
	payload, err := jws.Verify(pub)
	if err != nil {
		return "", fmt.Errorf("verify session token: %w", err)
	}

	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return "", fmt.Errorf("decode session token payload: %w", err)
	}
	return c.SessionID, nil
}
