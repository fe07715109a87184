package security

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		mustHave string
		mustNot  string
	}{
		{"bearer header", "request failed: Authorization: Bearer abc.def.ghi123", "Authorization: Bearer [REDACTED]", "abc.def.ghi123"},
		{"bare bearer", "got 401 for bearer eyJhbGciOiJIUzI1NiJ9", "bearer [REDACTED]", "eyJhbGciOiJIUzI1NiJ9"},
		{"api key query", "GET /v1?api_key=supersecret123&x=1", "api_key=[REDACTED]", "supersecret123"},
		{"openai key", "invalid key sk-abcdefghijklmnopqrstuvwx", "[REDACTED]", "sk-abcdefghijklmnopqrstuvwx"},
		{"json token", `{"token": "hunter2hunter2"}`, `"token": "[REDACTED]"`, "hunter2hunter2"},
		{"plain message", "disk I/O error", "disk I/O error", "[REDACTED]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Redact(tt.input)
			assert.Contains(t, got, tt.mustHave)
			assert.NotContains(t, got, tt.mustNot)
		})
	}
}

func TestRedactError_PreservesChain(t *testing.T) {
	sentinel := errors.New("engine")
	err := fmt.Errorf("call with Bearer tok_1234567890: %w", sentinel)

	red := RedactError(err)
	require.Error(t, red)
	assert.NotContains(t, red.Error(), "tok_1234567890")
	assert.ErrorIs(t, red, sentinel)

	plain := errors.New("nothing secret")
	assert.Same(t, plain, RedactError(plain))
	assert.Nil(t, RedactError(nil))
}

// Property: a bearer token never survives redaction, whatever surrounds it.
func TestProperty_BearerTokensNeverSurvive(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	tokenGen := gen.RegexMatch(`[A-Za-z0-9]{12,40}`)
	textGen := gen.AlphaString()

	properties.Property("redacted output never contains the token", prop.ForAll(
		func(token, prefix, suffix string) bool {
			input := prefix + " Bearer " + token + " " + suffix
			out := Redact(input)
			return !strings.Contains(out, token) || strings.Contains(prefix+suffix, token)
		},
		tokenGen, textGen, textGen,
	))

	properties.TestingRun(t)
}
