package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-sync-crawler/internal/crawler"
)

var _ crawler.Hasher = (*Hasher)(nil)

func TestHasherDigests(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"empty snapshot", "", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"text", "hello world", "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := New().Hash([]byte(tc.in))
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestHasherIsStable(t *testing.T) {
	t.Parallel()

	body := []byte(`{"partition":"konut_satilik","removed":["1001","1002"]}`)
	h := New()
	first, err := h.Hash(body)
	require.NoError(t, err)
	second, err := h.Hash(body)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, first, 64)
}
