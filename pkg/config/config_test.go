package config

import (
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	c, err := Parse([]byte("aliases:\n  async-stack: [\"ks\"]\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Timeout() != DefaultRequestTimeout {
		t.Errorf("expected default timeout, got %v", c.Timeout())
	}
	if c.AsyncDepth() != DefaultMaxAsyncDepth {
		t.Errorf("expected default depth, got %d", c.AsyncDepth())
	}
	if c.CacheSize() != DefaultTypeCacheSize {
		t.Errorf("expected default cache size, got %d", c.CacheSize())
	}
	if a := c.Aliases["async-stack"]; len(a) != 1 || a[0] != "ks" {
		t.Errorf("wrong aliases %v", c.Aliases)
	}
}

func TestParseValues(t *testing.T) {
	c, err := Parse([]byte("request-timeout: 250ms\nmax-async-depth: 12\ntype-cache-size: 7\nprompt-color: 32\n"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Timeout() != 250*time.Millisecond {
		t.Errorf("wrong timeout %v", c.Timeout())
	}
	if c.AsyncDepth() != 12 || c.CacheSize() != 7 || c.PromptColor != 32 {
		t.Errorf("wrong values %#v", c)
	}
}

func TestParseBadTimeout(t *testing.T) {
	if _, err := Parse([]byte("request-timeout: soon\n")); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestNilConfig(t *testing.T) {
	var c *Config
	if c.Timeout() != DefaultRequestTimeout || c.AsyncDepth() != DefaultMaxAsyncDepth || c.CacheSize() != DefaultTypeCacheSize {
		t.Fatal("nil config should return defaults")
	}
}
