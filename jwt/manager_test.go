package jwt

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		SessionTTL:    30 * 24 * time.Hour,
		GuestTTL:      2 * time.Hour,
		SigningMethod: MethodHS256,
		PrivateKey:    []byte("test-secret-test-secret-test-secret"),
		Issuer:        "chatstream-test",
	}
}

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	m, err := NewManager(testConfig())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	raw, issued, err := m.Issue("user-1", "regular")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if issued.ID == "" {
		t.Fatal("expected non-empty jti")
	}

	claims, err := m.Verify(raw)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UID != "user-1" || claims.Class != "regular" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.JTI() != issued.ID {
		t.Fatalf("jti mismatch: %q vs %q", claims.JTI(), issued.ID)
	}
}

func TestIssueTTLPerClass(t *testing.T) {
	m, err := NewManager(testConfig())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	cases := []struct {
		class string
		want  time.Duration
	}{
		{"guest", 2 * time.Hour},
		{"regular", 30 * 24 * time.Hour},
		{"admin", 30 * 24 * time.Hour},
	}
	for _, tc := range cases {
		_, claims, err := m.Issue("user-1", tc.class)
		if err != nil {
			t.Fatalf("issue %s: %v", tc.class, err)
		}
		got := claims.ExpiresAt.Sub(claims.IssuedAt.Time)
		if got != tc.want {
			t.Fatalf("class %s: expected ttl %v, got %v", tc.class, tc.want, got)
		}
	}
}

func TestIssueUniqueJTI(t *testing.T) {
	m, err := NewManager(testConfig())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		_, claims, err := m.Issue("user-1", "regular")
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		if seen[claims.ID] {
			t.Fatalf("duplicate jti %q", claims.ID)
		}
		seen[claims.ID] = true
	}
}

func TestVerifyTamperedSignature(t *testing.T) {
	m, err := NewManager(testConfig())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	raw, _, err := m.Issue("user-1", "regular")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %d parts", len(parts))
	}
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))

	if _, err := m.Verify(tampered); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	cfg := testConfig()
	cfg.GuestTTL = time.Millisecond
	cfg.Leeway = 0
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	raw, _, err := m.Issue("user-1", "guest")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	if _, err := m.Verify(raw); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	m, err := NewManager(testConfig())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	for _, raw := range []string{"", "  ", "not-a-token", "a.b"} {
		if _, err := m.Verify(raw); !errors.Is(err, ErrMalformed) {
			t.Fatalf("input %q: expected ErrMalformed, got %v", raw, err)
		}
	}
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"zero session ttl", func(c *Config) { c.SessionTTL = 0 }},
		{"zero guest ttl", func(c *Config) { c.GuestTTL = 0 }},
		{"negative leeway", func(c *Config) { c.Leeway = -time.Second }},
		{"empty key", func(c *Config) { c.PrivateKey = nil }},
		{"unknown method", func(c *Config) { c.SigningMethod = "rs256" }},
	}
	for _, tc := range cases {
		cfg := testConfig()
		tc.mut(&cfg)
		if _, err := NewManager(cfg); err == nil {
			t.Fatalf("%s: expected config rejection", tc.name)
		}
	}
}
