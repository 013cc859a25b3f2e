package util

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
)

const (
	// MaxRegexLength is the maximum allowed regex pattern length
	MaxRegexLength = 500
	// DefaultRegexTimeout is the default timeout for regex matching
	DefaultRegexTimeout = 100 * time.Millisecond
	// MaxRegexTimeout is the maximum allowed timeout for regex matching
	MaxRegexTimeout = time.Second
	// maxAlternations bounds the number of | branches in a pattern
	maxAlternations = 50
)

// ErrRegexTimeout is returned when a match exceeds its timeout
var ErrRegexTimeout = errors.New("regex match timed out")

// Pattern is a compiled regexp2 expression with a bounded match time
type Pattern struct {
	re *regexp2.Regexp
}

// String returns the source pattern
func (p *Pattern) String() string {
	return p.re.String()
}

// MatchString reports whether s matches. A match that runs past the timeout
// returns ErrRegexTimeout.
func (p *Pattern) MatchString(s string) (bool, error) {
	ok, err := p.re.MatchString(s)
	if err != nil {
		if strings.Contains(err.Error(), "timeout") {
			return false, fmt.Errorf("%w: %s", ErrRegexTimeout, p.re.String())
		}
		return false, err
	}
	return ok, nil
}

// PatternCache compiles and caches patterns keyed by source and timeout
type PatternCache struct {
	mu      sync.RWMutex
	entries map[string]*Pattern
	timeout time.Duration
}

// NewPatternCache creates a cache whose patterns use timeout. Timeouts outside
// (0, MaxRegexTimeout] fall back to DefaultRegexTimeout.
func NewPatternCache(timeout time.Duration) *PatternCache {
	if timeout <= 0 || timeout > MaxRegexTimeout {
		timeout = DefaultRegexTimeout
	}
	return &PatternCache{entries: make(map[string]*Pattern), timeout: timeout}
}

// Compile returns the cached pattern for src, compiling it on first use
func (c *PatternCache) Compile(src string) (*Pattern, error) {
	c.mu.RLock()
	p, ok := c.entries[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	if err := ValidatePattern(src); err != nil {
		return nil, err
	}
	re, err := regexp2.Compile(src, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	re.MatchTimeout = c.timeout
	p = &Pattern{re: re}

	c.mu.Lock()
	if existing, ok := c.entries[src]; ok {
		p = existing
	} else {
		c.entries[src] = p
	}
	c.mu.Unlock()
	return p, nil
}

// Len returns the number of cached patterns
func (c *PatternCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// ValidatePattern rejects patterns that are empty, oversized or obviously
// catastrophic before they reach the matcher
func ValidatePattern(src string) error {
	if src == "" {
		return fmt.Errorf("regex pattern cannot be empty")
	}
	if len(src) > MaxRegexLength {
		return fmt.Errorf("regex pattern too long: %d characters (max %d)", len(src), MaxRegexLength)
	}
	if n := strings.Count(src, "|"); n > maxAlternations {
		return fmt.Errorf("too many alternations: %d (max %d)", n, maxAlternations)
	}
	for _, nested := range []string{"+)+", "*)*", "+)*", "*)+"} {
		if strings.Contains(src, nested) {
			return fmt.Errorf("nested quantifier %q can cause catastrophic backtracking", nested)
		}
	}
	return nil
}
