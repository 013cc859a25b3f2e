package util

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		wantErr bool
	}{
		{"simple", `^admin`, false},
		{"alternation", `root|admin|svc_.*`, false},
		{"empty", ``, true},
		{"too long", strings.Repeat("a", MaxRegexLength+1), true},
		{"nested plus", `(a+)+$`, true},
		{"nested star", `(x*)*y`, true},
		{"many alternations", strings.Repeat("a|", maxAlternations+1) + "a", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePattern(tt.pattern)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPatternCacheCompileAndMatch(t *testing.T) {
	c := NewPatternCache(0)
	p, err := c.Compile(`^10\.0\.`)
	require.NoError(t, err)

	ok, err := p.MatchString("10.0.0.7")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.MatchString("192.168.1.1")
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := c.Compile(`^10\.0\.`)
	require.NoError(t, err)
	assert.Same(t, p, again)
	assert.Equal(t, 1, c.Len())
}

func TestPatternCacheRejectsInvalid(t *testing.T) {
	c := NewPatternCache(DefaultRegexTimeout)
	_, err := c.Compile(`([a-z`)
	assert.Error(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestPatternCacheConcurrent(t *testing.T) {
	c := NewPatternCache(DefaultRegexTimeout)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.Compile(`failed (password|login)`)
			if assert.NoError(t, err) {
				ok, _ := p.MatchString("failed password for root")
				assert.True(t, ok)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, c.Len())
}
