package depot

import (
	"strings"
	"testing"
	"time"
)

func TestIsValidLicenseKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want bool
	}{
		{name: "nineteen characters", key: "LICS-AAAA-BBBB-CCCC", want: false},
		{name: "exactly twenty", key: "LICS-AAAA-BBBB-CCCCD", want: true},
		{name: "twenty with other suffix", key: "LICS-123456789012345", want: true},
		{name: "wrong prefix", key: "LICX-AAAA-BBBB-CCCCD", want: false},
		{name: "lowercase prefix", key: "lics-AAAA-BBBB-CCCCD", want: false},
		{name: "too long", key: "LICS-AAAA-BBBB-CCCCDE", want: false},
		{name: "too short", key: "LICS-", want: false},
		{name: "empty", key: "", want: false},
		{name: "twenty without prefix", key: strings.Repeat("A", 20), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidLicenseKey(tt.key); got != tt.want {
				t.Errorf("IsValidLicenseKey(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestIsValidLicenseKey_MatchesDefinition(t *testing.T) {
	// Every prefix length of a long candidate must agree with the plain definition.
	base := "LICS-" + strings.Repeat("x", 30)
	for n := 0; n <= len(base); n++ {
		k := base[:n]
		want := len(k) == 20 && strings.HasPrefix(k, "LICS-")
		if got := IsValidLicenseKey(k); got != want {
			t.Errorf("IsValidLicenseKey(%q) = %v, want %v", k, got, want)
		}
	}
}

func TestNewUser(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	u := NewUser("alice", "LICS-AAAA-BBBB-CCCCD", "10.0.0.1", now, DefaultLicenseDays)

	if want := now.Add(30 * 24 * time.Hour); !u.LicenseExpiration.Equal(want) {
		t.Errorf("LicenseExpiration = %v, want %v", u.LicenseExpiration, want)
	}
	if u.RateLimit != 100 {
		t.Errorf("RateLimit = %d, want 100", u.RateLimit)
	}
	if !u.IsOnline {
		t.Error("IsOnline = false, want true")
	}
	if !u.FirstLogin.Equal(now) || !u.LastLogin.Equal(now) {
		t.Errorf("FirstLogin/LastLogin = %v/%v, want %v", u.FirstLogin, u.LastLogin, now)
	}
}

func TestUser_IsExpired(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	u := &User{LicenseExpiration: now.Add(-time.Second)}
	if !u.IsExpired(now) {
		t.Error("IsExpired() = false for past expiration")
	}
	u.LicenseExpiration = now.Add(time.Hour)
	if u.IsExpired(now) {
		t.Error("IsExpired() = true for future expiration")
	}
}
