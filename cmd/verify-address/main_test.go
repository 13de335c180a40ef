package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/ignite/bulk-verifier/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 2, run(context.Background(), nil, &out, &errOut))
	assert.Contains(t, errOut.String(), "usage")
}

// A syntax failure is decided before any DNS or SMTP traffic.
func TestRunInvalidSyntax(t *testing.T) {
	var out, errOut bytes.Buffer
	require.Equal(t, 0, run(context.Background(), []string{"-no-catch-all", "not-an-email"}, &out, &errOut))

	var got output
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "not-an-email", got.Email)
	assert.Equal(t, domain.StatusInvalid, got.Result.Status)
	assert.Equal(t, domain.ReasonInvalidSyntax, got.Result.Reason)
	assert.False(t, got.Contacted)
}

func TestRunMissingConfig(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 1, run(context.Background(), []string{"-config", "/nonexistent.yaml", "a@example.com"}, &out, &errOut))
}
