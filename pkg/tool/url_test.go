package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateURLSchemeAllowList(t *testing.T) {
	err := ValidateURL("http://api.example.com/x", []string{"api.example.com"}, nil)
	assert.ErrorIs(t, err, ErrURLValidation)

	err = ValidateURL("https://api.example.com/x", []string{"api.example.com"}, nil)
	assert.NoError(t, err)

	err = ValidateURL("http://api.example.com/x", []string{"api.example.com"}, []string{"http", "https"})
	assert.NoError(t, err)
}

func TestValidateURLHostAllowList(t *testing.T) {
	allowed := []string{"api.example.com"}

	assert.NoError(t, ValidateURL("https://api.example.com/tools", allowed, nil))
	assert.ErrorIs(t, ValidateURL("https://evil.example.org/tools", allowed, nil), ErrURLValidation)
}

func TestValidateURLWildcardDomains(t *testing.T) {
	allowed := []string{"*.example.com"}

	assert.NoError(t, ValidateURL("https://api.example.com/x", allowed, nil))
	assert.NoError(t, ValidateURL("https://sub.api.example.com/x", allowed, nil))
	assert.NoError(t, ValidateURL("https://example.com/x", allowed, nil))
	assert.ErrorIs(t, ValidateURL("https://examplexcom.io/x", allowed, nil), ErrURLValidation)
	assert.ErrorIs(t, ValidateURL("https://notexample.com.evil.io/x", allowed, nil), ErrURLValidation)
}

func TestValidateURLBlocksLocalhostAndPrivate(t *testing.T) {
	// No allow-list: private addresses still blocked.
	assert.ErrorIs(t, ValidateURL("https://localhost/x", nil, nil), ErrURLValidation)
	assert.ErrorIs(t, ValidateURL("https://127.0.0.1/x", nil, nil), ErrURLValidation)
	assert.ErrorIs(t, ValidateURL("https://192.168.1.10/x", nil, nil), ErrURLValidation)
	assert.ErrorIs(t, ValidateURL("https://10.0.0.5/x", nil, nil), ErrURLValidation)

	// Explicitly allow-listed localhost passes.
	assert.NoError(t, ValidateURL("https://localhost/x", []string{"localhost"}, nil))
}

func TestValidateURLScenarioLocalhostAgainstAllowList(t *testing.T) {
	// http://localhost/x with allow-list {api.example.com}: rejected
	// pre-dispatch on both scheme and host.
	err := ValidateURL("http://localhost/x", []string{"api.example.com"}, nil)
	assert.ErrorIs(t, err, ErrURLValidation)
}

func TestValidateURLEmptyAndMalformed(t *testing.T) {
	assert.ErrorIs(t, ValidateURL("", nil, nil), ErrURLValidation)
	assert.ErrorIs(t, ValidateURL("   ", nil, nil), ErrURLValidation)
	assert.ErrorIs(t, ValidateURL("://not-a-url", nil, nil), ErrURLValidation)
}

func TestValidateURLPublicHostNoAllowList(t *testing.T) {
	// Dev mode: no allow-list enforcement for public hosts.
	assert.NoError(t, ValidateURL("https://api.github.com/repos", nil, nil))
}
