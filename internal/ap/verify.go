package ap

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrNoSignature is returned when a request carries no Signature header.
var ErrNoSignature = errors.New("missing signature header")

// clockSkew is the tolerance applied to (created)/(expires) checks.
const clockSkew = 30 * time.Second

// Signature is a parsed HTTP Signature header.
type Signature struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
	Created   int64
	Expires   int64
}

// ParseSignature reads the Signature header of an inbound request.
func ParseSignature(req *http.Request) (*Signature, error) {
	raw := req.Header.Get("Signature")
	if raw == "" {
		return nil, ErrNoSignature
	}
	return parseSignatureValue(raw)
}

// parseSignatureValue parses the comma-separated key=value pairs of a
// signature header. String parameters are quoted, created/expires are
// bare integers.
func parseSignatureValue(raw string) (*Signature, error) {
	sig := &Signature{}

	for _, part := range splitSignatureParams(raw) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed signature parameter %q", part)
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch key {
		case "keyId":
			sig.KeyID = value
		case "algorithm":
			sig.Algorithm = value
		case "headers":
			sig.Headers = strings.Fields(strings.ToLower(value))
		case "signature":
			decoded, err := base64.StdEncoding.DecodeString(value)
			if err != nil {
				return nil, fmt.Errorf("malformed signature value: %w", err)
			}
			sig.Signature = decoded
		case "created":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed created parameter: %w", err)
			}
			sig.Created = n
		case "expires":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed expires parameter: %w", err)
			}
			sig.Expires = n
		}
	}

	if sig.KeyID == "" || len(sig.Signature) == 0 {
		return nil, fmt.Errorf("signature header missing keyId or signature")
	}
	if len(sig.Headers) == 0 {
		// the draft's default when no headers parameter is given
		sig.Headers = []string{"date"}
	}
	return sig, nil
}

// splitSignatureParams splits on commas outside quoted strings.
func splitSignatureParams(raw string) []string {
	var (
		parts  []string
		start  int
		quoted bool
	)
	for i, r := range raw {
		switch {
		case r == '"':
			quoted = !quoted
		case r == ',' && !quoted:
			parts = append(parts, strings.TrimSpace(raw[start:i]))
			start = i + 1
		}
	}
	parts = append(parts, strings.TrimSpace(raw[start:]))
	return parts
}

// VerifyRequest checks an inbound request against the sender's public
// key: body digest first, then the hs2019 validity window when that
// algorithm is declared, then the signature itself over the canonical
// string. Any failure is reported with its reason.
func VerifyRequest(req *http.Request, body []byte, key *rsa.PublicKey, sig *Signature) error {
	if digest := req.Header.Get("Digest"); digest != "" {
		if err := verifyDigest(digest, body); err != nil {
			return err
		}
	}

	if sig.Algorithm == "hs2019" {
		if err := verifyValidityWindow(sig); err != nil {
			return err
		}
	}

	signingString := buildSigningString(req, sig.Headers, sig.Created, sig.Expires)
	sum := sha256.Sum256([]byte(signingString))
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, sum[:], sig.Signature); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

// verifyDigest decodes an "ALGO=base64" digest header and compares it
// against the request body.
func verifyDigest(header string, body []byte) error {
	algo, encoded, ok := strings.Cut(header, "=")
	if !ok {
		return fmt.Errorf("malformed digest header")
	}
	if !strings.EqualFold(algo, "sha-256") {
		return fmt.Errorf("unsupported digest algorithm %q", algo)
	}
	expected, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("malformed digest header: %w", err)
	}
	sum := sha256.Sum256(body)
	if subtle.ConstantTimeCompare(sum[:], expected) != 1 {
		return fmt.Errorf("digest mismatch")
	}
	return nil
}

// verifyValidityWindow enforces created <= now <= expires for hs2019
// signatures, which must sign the (created) pseudo-header.
func verifyValidityWindow(sig *Signature) error {
	signed := false
	for _, h := range sig.Headers {
		if h == "(created)" {
			signed = true
			break
		}
	}
	if !signed || sig.Created == 0 {
		return fmt.Errorf("hs2019 signature missing (created)")
	}

	now := time.Now().UTC()
	if now.Add(clockSkew).Before(time.Unix(sig.Created, 0)) {
		return fmt.Errorf("signature created in the future")
	}
	if sig.Expires != 0 && now.After(time.Unix(sig.Expires, 0).Add(clockSkew)) {
		return fmt.Errorf("signature expired")
	}
	return nil
}
