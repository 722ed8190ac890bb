package iban

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNationalCheckKey(t *testing.T) {
	tests := []struct {
		name    string
		bank    string
		branch  string
		account string
		want    string
	}{
		{name: "reference account", bank: "30001", branch: "12345", account: "12345678901", want: "62"},
		{name: "leading zeros kept", bank: "00001", branch: "00000", account: "00000000001", want: "05"},
		{name: "zero remainder yields 97", bank: "30001", branch: "00000", account: "00000000010", want: "97"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NationalCheckKey(tt.bank, tt.branch, tt.account)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNationalCheckKey_RejectsMalformedFields(t *testing.T) {
	_, err := NationalCheckKey("3001", "12345", "12345678901")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = NationalCheckKey("30001", "1234A", "12345678901")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCheckDigits(t *testing.T) {
	got, err := CheckDigits("CG", "30001123451234567890162")
	require.NoError(t, err)
	assert.Equal(t, "39", got)
}

func TestComposeAndParse_RoundTrip(t *testing.T) {
	g, err := NewGenerator()
	require.NoError(t, err)

	id, err := g.Compose("CG", "30001", "12345", "12345678901")
	require.NoError(t, err)
	assert.Equal(t, "CG3930001123451234567890162", id.String())

	parsed, err := Parse(Format(id.String()), true)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestCompose_FixedCheckDigits(t *testing.T) {
	g, err := NewGenerator(WithFixedCheckDigits("76"))
	require.NoError(t, err)

	id, err := g.Compose("CG", "30001", "12345", "12345678901")
	require.NoError(t, err)
	assert.Equal(t, "CG7630001123451234567890162", id.String())

	_, err = Parse(id.String(), false)
	assert.NoError(t, err)
	_, err = Parse(id.String(), true)
	assert.ErrorIs(t, err, ErrCheckDigits)
}

func TestNewGenerator_RejectsBadFixedDigits(t *testing.T) {
	_, err := NewGenerator(WithFixedCheckDigits("7X"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParse_DetectsTamperedCheckKey(t *testing.T) {
	_, err := Parse("CG3930001123451234567890163", false)
	assert.ErrorIs(t, err, ErrCheckKeyMismatch)

	_, err = Parse("CG39300011234512345", false)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestGenerate_ProducesChecksumConsistentIdentifiers(t *testing.T) {
	g, err := NewGenerator(WithSource(rand.NewPCG(1, 2)))
	require.NoError(t, err)

	registry, err := NewRegistry()
	require.NoError(t, err)
	profile, ok := registry.Lookup("ecocapital")
	require.True(t, ok)

	for i := 0; i < 200; i++ {
		id, err := g.Generate(profile)
		require.NoError(t, err)
		require.Len(t, id.String(), IdentifierLength)
		assert.Equal(t, profile.Code, id.BankCode)

		key, err := NationalCheckKey(id.BankCode, id.BranchCode, id.AccountNumber)
		require.NoError(t, err)
		assert.Equal(t, key, id.CheckKey)

		_, err = Parse(id.String(), true)
		require.NoError(t, err)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "CG39 3000 1123 4512 3456 7890 162", Format("cg39 30001123451234567890162"))
}

func TestRegistry(t *testing.T) {
	extra, err := ParseProfiles("Caisse Test:40001:CAISCGCG; EcoCapital:30002:ECAPCGCGXXX")
	require.NoError(t, err)
	require.Len(t, extra, 2)

	r, err := NewRegistry(extra...)
	require.NoError(t, err)

	p, ok := r.Lookup("  CAISSE test ")
	require.True(t, ok)
	assert.Equal(t, "40001", p.Code)
	assert.Equal(t, DefaultCountryCode, p.CountryCode)

	p, ok = r.Lookup("EcoCapital")
	require.True(t, ok)
	assert.Equal(t, "30002", p.Code)

	_, ok = r.Lookup("unknown")
	assert.False(t, ok)

	profiles := r.Profiles()
	for i := 1; i < len(profiles); i++ {
		assert.Less(t, profiles[i-1].Name, profiles[i].Name)
	}
}

func TestRegistry_RejectsInvalidProfile(t *testing.T) {
	_, err := NewRegistry(BankProfile{Name: "Broken", Code: "12", BIC: "BROKCGCG"})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParseProfiles("only-a-name")
	assert.ErrorIs(t, err, ErrMalformed)
}
