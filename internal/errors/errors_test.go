package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatsMetadataSorted(t *testing.T) {
	cause := stdErrors.New("exit status 1")
	err := Wrap(CodeBuildFailed, cause, "go build failed",
		WithMetadata("plugin_id", "crm"),
		WithMetadata("language", "go"))

	require.Equal(t, "[BUILD_FAILED] go build failed language=go plugin_id=crm: exit status 1", err.Error())
	require.ErrorIs(t, err, cause)
	require.Equal(t, map[string]string{"language": "go", "plugin_id": "crm"}, err.Metadata())
}

func TestNewFallsBackToRegisteredMessage(t *testing.T) {
	err := New(CodeToolchainMissing, "")
	assert.Equal(t, "required toolchain is not installed on host", err.Message())
	assert.Equal(t, SeverityWarning, err.Severity())
	assert.True(t, ShouldAlert(err))
	assert.False(t, RetryableError(err))
}

func TestHasCodeThroughWrapping(t *testing.T) {
	inner := New(CodeToolchainMissing, "npm not found")
	wrapped := fmt.Errorf("install crm: %w", inner)

	require.True(t, HasCode(wrapped, CodeToolchainMissing))
	require.False(t, HasCode(wrapped, CodeBuildFailed))
	require.Equal(t, CodeToolchainMissing, CodeOf(wrapped))
	require.Equal(t, CodeUnknown, CodeOf(stdErrors.New("plain")))

	got, ok := From(wrapped)
	require.True(t, ok)
	require.Same(t, inner, got)
}

func TestWithSeverityOverridesDefault(t *testing.T) {
	err := New(CodeRemoteError, "quota", WithSeverity(SeverityCritical))
	require.Equal(t, SeverityCritical, err.Severity())
	require.Equal(t, SeverityWarning, New(CodeRemoteError, "").Severity())
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "CATALOG_REJECTED"
	Register(code, Attributes{Message: "catalog rejected tool", Severity: SeverityWarning, Retryable: true})

	err := New(code, "")
	require.Equal(t, "catalog rejected tool", err.Message())
	require.True(t, RetryableError(err))
	require.Equal(t, AttributesOf(CodeUnknown), AttributesOf("NEVER_REGISTERED"))
}

func TestNilErrorAccessors(t *testing.T) {
	var err *Error
	assert.Equal(t, "", err.Error())
	assert.Equal(t, CodeUnknown, err.Code())
	assert.Nil(t, err.Unwrap())
	assert.Nil(t, err.Metadata())
}
