package scan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeTargetURL_PrependsScheme(t *testing.T) {
	t.Parallel()

	got, err := NormalizeTargetURL("example.com")
	require.NoError(t, err)
	require.Equal(t, "https://example.com", got)
}

func TestNormalizeTargetURL_KeepsExplicitScheme(t *testing.T) {
	t.Parallel()

	got, err := NormalizeTargetURL("http://example.com/path?b=2&a=1")
	require.NoError(t, err)
	require.Equal(t, "http://example.com/path?b=2&a=1", got)
}

func TestNormalizeTargetURL_LowercasesHost(t *testing.T) {
	t.Parallel()

	got, err := NormalizeTargetURL("HTTPS://Example.COM/Path")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/Path", got)
}

func TestNormalizeTargetURL_RejectsGarbage(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"   ",
		"not a url",
		"ftp://example.com",
		"https://",
	}
	for _, raw := range cases {
		_, err := NormalizeTargetURL(raw)
		require.ErrorIs(t, err, ErrInvalidURL, "input %q", raw)
	}
}
