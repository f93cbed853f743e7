package depot

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// LicenseKeyLength is the exact number of characters in a license key.
	LicenseKeyLength = 20

	// LicenseKeyPrefix starts every license key.
	LicenseKeyPrefix = "LICS-"

	// DefaultLicenseDays is the validity granted to a license on first login.
	DefaultLicenseDays = 30

	// DefaultRateLimit is the advisory requests/hour budget of a new user.
	DefaultRateLimit = 100
)

// User is the license record of one client. LicenseKey is the immutable identity;
// Username is a display name that changes with every login.
type User struct {
	Username          string    `json:"username"`
	LicenseKey        string    `json:"licenseKey"`
	IP                string    `json:"ip"`
	FirstLogin        time.Time `json:"firstLogin"`
	LastLogin         time.Time `json:"lastLogin"`
	LicenseExpiration time.Time `json:"licenseExpiration"`
	RateLimit         int       `json:"rateLimit"`
	IsOnline          bool      `json:"isOnline"`
	ActiveSessionID   string    `json:"activeSessionId,omitempty"` // empty when no session holds the license
}

// IsValidLicenseKey reports whether k is exactly 20 characters long and starts with "LICS-".
func IsValidLicenseKey(k string) bool {
	return utf8.RuneCountInString(k) == LicenseKeyLength && strings.HasPrefix(k, LicenseKeyPrefix)
}

// NewUser creates the record for a first login with the default license term and rate limit.
func NewUser(username, licenseKey, ip string, now time.Time, licenseDays int) *User {
	return &User{
		Username:          username,
		LicenseKey:        licenseKey,
		IP:                ip,
		FirstLogin:        now,
		LastLogin:         now,
		LicenseExpiration: now.AddDate(0, 0, licenseDays),
		RateLimit:         DefaultRateLimit,
		IsOnline:          true,
	}
}

// IsExpired reports whether the license expired before now.
func (u *User) IsExpired(now time.Time) bool {
	return u.LicenseExpiration.Before(now)
}

// Clone returns a copy that can be handed out without sharing the registry's record.
func (u *User) Clone() *User {
	c := *u
	return &c
}
