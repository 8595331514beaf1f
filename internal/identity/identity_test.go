package identity

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestGenerateIDIsDeterministic(t *testing.T) {
	a, err := GenerateID("org1", "rosa", "Cores", strPtr("acct1"), true)
	require.NoError(t, err)
	b, err := GenerateID("org1", "rosa", "Cores", strPtr("acct1"), true)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, uuid.Version(5), a.Version())
}

func TestGenerateIDChangesWithEveryMeteredField(t *testing.T) {
	base, err := GenerateID("org1", "rosa", "Cores", strPtr("acct1"), true)
	require.NoError(t, err)

	variants := []struct {
		name                 string
		org, product, metric string
		account              *string
	}{
		{"org", "org2", "rosa", "Cores", strPtr("acct1")},
		{"product", "org1", "osd", "Cores", strPtr("acct1")},
		{"metric", "org1", "rosa", "Instance-hours", strPtr("acct1")},
		{"account", "org1", "rosa", "Cores", strPtr("acct2")},
		{"empty account", "org1", "rosa", "Cores", strPtr("")},
	}
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			id, err := GenerateID(v.org, v.product, v.metric, v.account, true)
			require.NoError(t, err)
			assert.NotEqual(t, base, id)
		})
	}
}

func TestGenerateIDMeteredRequiresBillingAccount(t *testing.T) {
	_, err := GenerateID("org1", "rosa", "Cores", nil, true)
	if !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}

	empty, err := GenerateID("org1", "rosa", "Cores", strPtr(""), true)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, empty)
}

func TestGenerateIDNonMeteredIgnoresBillingAccount(t *testing.T) {
	withAccount, err := GenerateID("org1", "RHEL", "Sockets", strPtr("acct1"), false)
	require.NoError(t, err)
	without, err := GenerateID("org1", "RHEL", "Sockets", nil, false)
	require.NoError(t, err)
	other, err := GenerateID("org1", "RHEL", "Sockets", strPtr("acct9"), false)
	require.NoError(t, err)

	assert.Equal(t, withAccount, without)
	assert.Equal(t, withAccount, other)

	differentOrg, err := GenerateID("org2", "RHEL", "Sockets", nil, false)
	require.NoError(t, err)
	assert.NotEqual(t, withAccount, differentOrg)
}

func TestGenerateIDRejectsEmptyTuple(t *testing.T) {
	_, err := GenerateID("", "rosa", "Cores", strPtr("a"), true)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = GenerateID("org1", "rosa", "", nil, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGenerateIDFieldBoundaries(t *testing.T) {
	a, err := GenerateID("ab", "c", "m", nil, false)
	require.NoError(t, err)
	b, err := GenerateID("a", "bc", "m", nil, false)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestRemittanceIDScopesPeriod(t *testing.T) {
	base, err := GenerateID("org1", "rosa", "Cores", strPtr("acct1"), true)
	require.NoError(t, err)

	march := RemittanceID(base, "aws", "acct1", "2024-03")
	assert.Equal(t, march, RemittanceID(base, "aws", "acct1", "2024-03"))
	assert.NotEqual(t, march, RemittanceID(base, "aws", "acct1", "2024-04"))
	assert.NotEqual(t, march, RemittanceID(base, "azure", "acct1", "2024-03"))
	assert.NotEqual(t, march, RemittanceID(base, "aws", "acct2", "2024-03"))
}
