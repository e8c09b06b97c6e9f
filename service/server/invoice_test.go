package server

import (
	"encoding/base64"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSolanaPayURL(t *testing.T) {
	raw := buildSolanaPayURL("vault123", 25_000_000)
	require.True(t, strings.HasPrefix(raw, "solana:vault123?"))

	_, query, ok := strings.Cut(raw, "?")
	require.True(t, ok)
	q, err := url.ParseQuery(query)
	require.NoError(t, err)
	assert.Equal(t, "0.025000000", q.Get("amount"))
	assert.Equal(t, "Psyduk Raffle", q.Get("label"))
}

func TestGenerateQRCode(t *testing.T) {
	data, err := generateQRCode(buildSolanaPayURL("vault123", 10_000_000))
	require.NoError(t, err)

	png, err := base64.StdEncoding.DecodeString(data)
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG", string(png[:4]))
}
