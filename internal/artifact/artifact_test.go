package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []string{
		"foo-1.2-1-x86_64.pkg.tar.xz",
		"q-1-1-any.pkg.tar.zst",
		"some-long-pkgname-2:1.0-3-aarch64.pkg.tar.gz",
	}
	for _, name := range cases {
		a, err := Parse(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, a.Filename())
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, name := range []string{
		"not-a-package.txt",
		"foo-1.2-1-x86_64.sig",
		"",
	} {
		_, err := Parse(name)
		assert.Error(t, err, name)
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "foo-1.2-1-x86_64.pkg.tar.xz", Format("foo", "1.2-1", "x86_64"))
}

func TestSigFilename(t *testing.T) {
	a, err := Parse("foo-1.2-1-x86_64.pkg.tar.xz")
	require.NoError(t, err)
	assert.Equal(t, "foo-1.2-1-x86_64.pkg.tar.xz.sig", a.SigFilename())
}
