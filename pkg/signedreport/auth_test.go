package signedreport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvAuthProviderDerivesDistinctKeysPerDevice(t *testing.T) {
	t.Setenv("IOTILE_SIGNING_KEY", "00112233445566778899aabbccddeeff00112233445566778899aabbccddee")

	p, err := NewEnvAuthProvider()
	require.NoError(t, err)

	keyA, err := p.GetKey(context.Background(), 1, 1, PurposeVerify)
	require.NoError(t, err)
	keyB, err := p.GetKey(context.Background(), 2, 1, PurposeVerify)
	require.NoError(t, err)

	assert.Len(t, keyA, derivedKeyLength)
	assert.NotEqual(t, keyA, keyB)
}

func TestEnvAuthProviderRejectsInvalidHex(t *testing.T) {
	t.Setenv("IOTILE_SIGNING_KEY", "not-hex")
	_, err := NewEnvAuthProvider()
	assert.Error(t, err)
}

func TestEnvAuthProviderUnsetReturnsKeyUnavailable(t *testing.T) {
	t.Setenv("IOTILE_SIGNING_KEY", "")
	p, err := NewEnvAuthProvider()
	require.NoError(t, err)

	_, err = p.GetKey(context.Background(), 1, 1, PurposeVerify)
	assert.Error(t, err)
}
