package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replypilot/config"
)

func TestValidateStruct(t *testing.T) {
	type request struct {
		Email string `validate:"required,email"`
		Tone  string `validate:"omitempty,oneof=friendly formal"`
	}

	assert.NoError(t, ValidateStruct(request{Email: "a@b.co"}))

	err := ValidateStruct(request{Tone: "rude"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email is required")
	assert.Contains(t, err.Error(), "tone must be one of friendly formal")
}

func TestEncryptRoundTrip(t *testing.T) {
	config.AppConfig.EncryptionKey = "0123456789abcdef"

	sealed, err := Encrypt("app-password")
	require.NoError(t, err)
	assert.NotEqual(t, "app-password", sealed)

	plain, err := Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "app-password", plain)

	empty, err := Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	other, err := NewCipher("fedcba9876543210")
	require.NoError(t, err)
	_, err = other.Open(sealed)
	assert.Error(t, err, "a different key must not open the value")

	_, err = Decrypt("AAAA")
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestJWT(t *testing.T) {
	config.AppConfig.EncryptionKey = "0123456789abcdef"

	token, err := GenerateJWTToken(7, time.Minute)
	require.NoError(t, err)

	claims, err := ParseJWTToken(token)
	require.NoError(t, err)
	assert.Equal(t, uint(7), claims.UserID)

	expired, err := GenerateJWTToken(7, -time.Minute)
	require.NoError(t, err)
	_, err = ParseJWTToken(expired)
	assert.Error(t, err)
}

func TestLogErrorWithoutSentry(t *testing.T) {
	assert.NotPanics(t, func() {
		LogError("test_failure", errors.New("boom"), map[string]interface{}{"sender_id": 1})
		LogEvent("test_event", nil)
	})
}
