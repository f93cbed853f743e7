package chunk

import (
	"fmt"

	"depot-go/internal/depot"
)

// IntegrityPolicy decides what an integrity failure (hash or size mismatch) does.
type IntegrityPolicy string

const (
	// IntegrityWarn logs the failure, records it, and lets the operation finish.
	IntegrityWarn IntegrityPolicy = "warn"

	// IntegrityStrict aborts the operation on the first failure.
	IntegrityStrict IntegrityPolicy = "strict"
)

// ParseIntegrityPolicy accepts "warn", "strict", or "" (warn).
func ParseIntegrityPolicy(s string) (IntegrityPolicy, error) {
	switch IntegrityPolicy(s) {
	case "", IntegrityWarn:
		return IntegrityWarn, nil
	case IntegrityStrict:
		return IntegrityStrict, nil
	default:
		return "", fmt.Errorf("unknown integrity policy: %q", s)
	}
}

// Handle reports err, which must wrap depot.ErrIntegrity. The failure is always
// logged and appended to warnings; under the strict policy it is also returned.
func (p IntegrityPolicy) Handle(err error, logger depot.Logger, warnings *[]error) error {
	logger.Warn("integrity check failed", "error", err, "policy", string(p))
	*warnings = append(*warnings, err)
	if p == IntegrityStrict {
		return err
	}
	return nil
}
