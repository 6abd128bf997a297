package ap

import (
	"bytes"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyID = "https://relay.example/actor#main-key"

func testSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	signer := NewSigner(testKeyID)
	require.NoError(t, signer.SetKey(EncodePrivateKey(key)))
	return signer
}

func signedPost(t *testing.T, signer *Signer, body []byte, alg Algorithm) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, "https://a.example/inbox", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", ContentType)
	require.NoError(t, signer.SignPost(req, body, alg))
	return req
}

func verifyAgainstSigner(t *testing.T, signer *Signer, req *http.Request, body []byte) error {
	t.Helper()
	pub, err := ParsePublicKey(signer.PublicPEM())
	require.NoError(t, err)
	sig, err := ParseSignature(req)
	require.NoError(t, err)
	return VerifyRequest(req, body, pub, sig)
}

func TestSignAndVerifyOriginal(t *testing.T) {
	signer := testSigner(t)
	body := []byte(`{"type":"Announce"}`)
	req := signedPost(t, signer, body, AlgOriginal)

	sig, err := ParseSignature(req)
	require.NoError(t, err)
	assert.Equal(t, testKeyID, sig.KeyID)
	assert.Contains(t, sig.Headers, "(request-target)")
	assert.Contains(t, sig.Headers, "digest")

	assert.NoError(t, verifyAgainstSigner(t, signer, req, body))
}

func TestSignAndVerifyHS2019(t *testing.T) {
	signer := testSigner(t)
	body := []byte(`{"type":"Announce"}`)
	req := signedPost(t, signer, body, AlgHS2019)

	sig, err := ParseSignature(req)
	require.NoError(t, err)
	assert.Equal(t, "hs2019", sig.Algorithm)
	assert.Contains(t, sig.Headers, "(created)")
	assert.Contains(t, sig.Headers, "(expires)")
	assert.NotZero(t, sig.Created)
	assert.Greater(t, sig.Expires, sig.Created)

	assert.NoError(t, verifyAgainstSigner(t, signer, req, body))
}

func TestVerifyRejectsMutatedHeader(t *testing.T) {
	signer := testSigner(t)
	body := []byte(`{"type":"Announce"}`)

	for _, alg := range []Algorithm{AlgOriginal, AlgHS2019} {
		req := signedPost(t, signer, body, alg)
		req.Header.Set("Date", time.Now().UTC().Add(time.Hour).Format(http.TimeFormat))
		assert.Error(t, verifyAgainstSigner(t, signer, req, body), alg)
	}
}

func TestVerifyRejectsMutatedBody(t *testing.T) {
	signer := testSigner(t)
	body := []byte(`{"type":"Announce"}`)
	req := signedPost(t, signer, body, AlgOriginal)

	err := verifyAgainstSigner(t, signer, req, []byte(`{"type":"Delete"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest")
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	signer := testSigner(t)
	other := testSigner(t)
	body := []byte(`{"type":"Announce"}`)
	req := signedPost(t, signer, body, AlgOriginal)

	assert.Error(t, verifyAgainstSigner(t, other, req, body))
}

func TestSignGet(t *testing.T) {
	signer := testSigner(t)
	req, err := http.NewRequest(http.MethodGet, "https://a.example/actor", nil)
	require.NoError(t, err)
	require.NoError(t, signer.SignGet(req))

	assert.NotEmpty(t, req.Header.Get("Date"))
	assert.Equal(t, "a.example", req.Header.Get("Host"))
	assert.NoError(t, verifyAgainstSigner(t, signer, req, nil))
}

func TestSignWithoutKey(t *testing.T) {
	signer := NewSigner(testKeyID)
	req, err := http.NewRequest(http.MethodGet, "https://a.example/actor", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, signer.SignGet(req), ErrNoKey)
}

func TestAlgorithmFor(t *testing.T) {
	assert.Equal(t, AlgHS2019, AlgorithmFor("mastodon"))
	assert.Equal(t, AlgHS2019, AlgorithmFor("Mastodon"))
	assert.Equal(t, AlgOriginal, AlgorithmFor("pleroma"))
	assert.Equal(t, AlgOriginal, AlgorithmFor(""))
}

func TestParseSignatureValue(t *testing.T) {
	sig, err := parseSignatureValue(
		`keyId="https://a.example/actor#main-key",algorithm="rsa-sha256",` +
			`headers="(request-target) host date digest",signature="c2ln"`)
	require.NoError(t, err)
	assert.Equal(t, "https://a.example/actor#main-key", sig.KeyID)
	assert.Equal(t, "rsa-sha256", sig.Algorithm)
	assert.Equal(t, []string{"(request-target)", "host", "date", "digest"}, sig.Headers)
	assert.Equal(t, []byte("sig"), sig.Signature)
}

func TestParseSignatureValueUnquotedTimestamps(t *testing.T) {
	sig, err := parseSignatureValue(
		`keyId="k",algorithm="hs2019",created=1700000000,expires=1700000300,` +
			`headers="(request-target) (created) (expires) host date",signature="c2ln"`)
	require.NoError(t, err)
	assert.EqualValues(t, 1700000000, sig.Created)
	assert.EqualValues(t, 1700000300, sig.Expires)
}

func TestParseSignatureMissingHeader(t *testing.T) {
	req, err := http.NewRequest(http.MethodPost, "https://a.example/inbox", nil)
	require.NoError(t, err)
	_, err = ParseSignature(req)
	assert.ErrorIs(t, err, ErrNoSignature)
}

func TestValidityWindow(t *testing.T) {
	now := time.Now().UTC().Unix()
	cases := []struct {
		name string
		sig  Signature
		ok   bool
	}{
		{"valid", Signature{Headers: []string{"(created)"}, Created: now, Expires: now + 300}, true},
		{"no created header", Signature{Headers: []string{"date"}, Created: now}, false},
		{"created in future", Signature{Headers: []string{"(created)"}, Created: now + 3600}, false},
		{"expired", Signature{Headers: []string{"(created)"}, Created: now - 7200, Expires: now - 3600}, false},
		{"no expires", Signature{Headers: []string{"(created)"}, Created: now}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := verifyValidityWindow(&tc.sig)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestKeyPEMRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	parsed, err := ParsePrivateKey(EncodePrivateKey(key))
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	pubPEM, err := EncodePublicKey(&key.PublicKey)
	require.NoError(t, err)
	pub, err := ParsePublicKey(pubPEM)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))
}
