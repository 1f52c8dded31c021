// Copyright 2025 James Ross
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSign_MatchesRawHMAC(t *testing.T) {
	secret := "secret-123"
	body := []byte(`{"a":1,"b":2}`)

	got := Sign(secret, body)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, got)
	assert.NotContains(t, got, "sha256=")
}

func TestVerify(t *testing.T) {
	secret := "secret-123"
	body := []byte(`{"a":1,"b":2}`)
	sig := Sign(secret, body)

	assert.True(t, Verify(secret, body, sig))
	assert.False(t, Verify(secret, body, "deadbeef"))
	assert.False(t, Verify("other-secret", body, sig))
}

func TestCanonicalPayload_StableBytes(t *testing.T) {
	raw := json.RawMessage(`{"a":1,  "b":2}`)
	out, err := CanonicalPayload(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2}`, string(out))
}
