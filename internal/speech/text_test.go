package speech

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean(t *testing.T) {
	cases := map[string]struct {
		in, want string
	}{
		"plain":      {"São dez horas.", "São dez horas."},
		"markdown":   {"**Olá**, _tudo_ bem?", "Olá , tudo bem?"},
		"link":       {"See [the docs](https://example.com/x) now", "See the docs now"},
		"bare url":   {"Open https://example.com please", "Open please"},
		"code":       {"Run `ls -la` then\n```\nrm -rf /\n```\ndone", "Run then done"},
		"emoji":      {"Done 🎉✅", "Done"},
		"whitespace": {"  a \n\n b\t", "a b"},
		"empty":      {"   ", ""},
		"only emoji": {"🎉", "🎉"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Clean(tc.in))
		})
	}
}
