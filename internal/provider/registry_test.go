package provider_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hookline/hookline/internal/provider"
)

func TestRegistryGetCaseInsensitive(t *testing.T) {
	reg, err := provider.DefaultRegistry(provider.SecretMap{"form": "s"})
	require.NoError(t, err)

	require.NotNil(t, reg.Get("form"))
	require.NotNil(t, reg.Get("FORM"))
	require.NotNil(t, reg.Get("  Payment "))
	require.Nil(t, reg.Get("unknown"))
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	secrets := provider.SecretMap{}
	_, err := provider.NewRegistry(
		provider.Form{Secrets: secrets},
		provider.Form{Secrets: secrets},
	)
	require.ErrorContains(t, err, "duplicate")
}

func TestRegistryNames(t *testing.T) {
	reg, err := provider.DefaultRegistry(provider.SecretMap{})
	require.NoError(t, err)
	require.Equal(t, []string{"code", "form", "meeting", "payment"}, reg.Names())
}

func TestRegistryStatus(t *testing.T) {
	reg, err := provider.DefaultRegistry(provider.SecretMap{
		"form":    "a",
		"payment": "b",
	})
	require.NoError(t, err)

	status := reg.Status()
	require.Equal(t, 4, status.TotalProviders)
	require.Equal(t, 2, status.ConfiguredProviders)
	require.True(t, status.Providers["form"].SecretConfigured)
	require.False(t, status.Providers["meeting"].SecretConfigured)
	require.Equal(t, "Payment-Signature", status.Providers["payment"].SignatureHeader)
}
