package testutil

import "fmt"

// LicenseKey returns a well-formed 20-character license key unique to n.
func LicenseKey(n int) string {
	return fmt.Sprintf("LICS-%015d", n)
}
