package ap

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-fed/httpsig"
)

// Algorithm selects the signature flavour for an outbound request.
type Algorithm string

const (
	// AlgOriginal is the legacy RSA-SHA256 signature over
	// (request-target), host, date and digest. Most software expects it.
	AlgOriginal Algorithm = "original"
	// AlgHS2019 adds the (created)/(expires) pseudo-headers and labels
	// the signature "hs2019".
	AlgHS2019 Algorithm = "hs2019"
)

// algorithmBySoftware maps a peer's nodeinfo software name to the
// signature algorithm it expects. Unknown software gets the legacy
// algorithm; this table is the single place future entries go.
var algorithmBySoftware = map[string]Algorithm{
	"mastodon": AlgHS2019,
}

// AlgorithmFor returns the signature algorithm for a peer's software.
func AlgorithmFor(software string) Algorithm {
	if alg, ok := algorithmBySoftware[strings.ToLower(software)]; ok {
		return alg
	}
	return AlgOriginal
}

// hs2019Window is the validity period written into (expires).
const hs2019Window = 5 * time.Minute

// ErrNoKey is returned when signing is requested before a private key has
// been installed.
var ErrNoKey = errors.New("no private key configured")

// Signer holds the relay actor's private key and produces HTTP
// signatures. SetKey may be called at runtime when the private-key config
// value changes, so access is guarded.
type Signer struct {
	keyID string

	mu        sync.RWMutex
	key       *rsa.PrivateKey
	publicPEM string
}

// NewSigner creates a Signer for the given keyId. The key is installed
// separately once loaded from (or written to) the config table.
func NewSigner(keyID string) *Signer {
	return &Signer{keyID: keyID}
}

// KeyID returns the keyId advertised in signatures and the actor document.
func (s *Signer) KeyID() string {
	return s.keyID
}

// SetKey installs a private key from its PEM form.
func (s *Signer) SetKey(pemStr string) error {
	key, err := ParsePrivateKey(pemStr)
	if err != nil {
		return err
	}
	publicPEM, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	s.publicPEM = publicPEM
	return nil
}

// PublicPEM returns the public key for the actor document.
func (s *Signer) PublicPEM() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publicPEM
}

func (s *Signer) privateKey() (*rsa.PrivateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, ErrNoKey
	}
	return s.key, nil
}

// SignGet signs an outbound GET with the legacy algorithm. Date and Host
// headers are set as a side effect.
func (s *Signer) SignGet(req *http.Request) error {
	key, err := s.privateKey()
	if err != nil {
		return err
	}
	setSignedHeaders(req)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	if err := signer.SignRequest(key, s.keyID, req, nil); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return nil
}

// SignPost signs an outbound POST body with the requested algorithm.
func (s *Signer) SignPost(req *http.Request, body []byte, alg Algorithm) error {
	key, err := s.privateKey()
	if err != nil {
		return err
	}
	setSignedHeaders(req)

	if alg == AlgHS2019 {
		return s.signHS2019(key, req, body)
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	if err := signer.SignRequest(key, s.keyID, req, body); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	return nil
}

// signHS2019 builds an hs2019 signature by hand: the pinned httpsig
// release signs the legacy header set but cannot emit the unquoted
// created/expires signature parameters this variant requires.
func (s *Signer) signHS2019(key *rsa.PrivateKey, req *http.Request, body []byte) error {
	created := time.Now().UTC()
	expires := created.Add(hs2019Window)

	req.Header.Set("Digest", BodyDigest(body))

	headers := []string{"(request-target)", "(created)", "(expires)", "host", "date", "digest"}
	if req.Header.Get("Content-Type") != "" {
		headers = append(headers, "content-type")
	}

	signingString := buildSigningString(req, headers, created.Unix(), expires.Unix())
	sum := sha256.Sum256([]byte(signingString))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	req.Header.Set("Signature", fmt.Sprintf(
		`keyId="%s",algorithm="hs2019",created=%d,expires=%d,headers="%s",signature="%s"`,
		s.keyID, created.Unix(), expires.Unix(),
		strings.Join(headers, " "),
		base64.StdEncoding.EncodeToString(sig),
	))
	return nil
}

// buildSigningString assembles the canonical string of RFC draft HTTP
// signatures: one "name: value" line per signed header, with the
// (request-target), (created) and (expires) pseudo-headers synthesized.
func buildSigningString(req *http.Request, headers []string, created, expires int64) string {
	lines := make([]string, 0, len(headers))
	for _, name := range headers {
		switch name {
		case "(request-target)":
			lines = append(lines, fmt.Sprintf("(request-target): %s %s",
				strings.ToLower(req.Method), req.URL.RequestURI()))
		case "(created)":
			lines = append(lines, fmt.Sprintf("(created): %d", created))
		case "(expires)":
			lines = append(lines, fmt.Sprintf("(expires): %d", expires))
		case "host":
			host := req.Header.Get("Host")
			if host == "" {
				host = req.Host
			}
			lines = append(lines, "host: "+host)
		default:
			lines = append(lines, name+": "+strings.TrimSpace(req.Header.Get(name)))
		}
	}
	return strings.Join(lines, "\n")
}

// BodyDigest returns the Digest header value for a request body.
func BodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// setSignedHeaders fills the Date and Host headers every signature
// covers.
func setSignedHeaders(req *http.Request) {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}
}
