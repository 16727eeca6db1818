package identity

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// RecordIdentifier is the patient's medical record number. It is assigned
// once at registration and never reused, even after the patient is deleted.
type RecordIdentifier string

func (r RecordIdentifier) String() string { return string(r) }

// alphabet omits 0/O and 1/I.
const alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

var (
	scopePattern    = regexp.MustCompile(`^[A-Z0-9]{1,8}$`)
	recordIDPattern = regexp.MustCompile(`^(?:([A-Z0-9]{1,8})-)?(\d{6})-(\d{8})-([` + alphabet + `]+)$`)
)

// NormalizeScope upper-cases and validates a clinic scope. The empty scope is valid.
func NormalizeScope(scope string) (string, error) {
	scope = strings.ToUpper(strings.TrimSpace(scope))
	if scope == "" {
		return "", nil
	}
	if !scopePattern.MatchString(scope) {
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	return scope, nil
}

// PeriodPrefix is "[SCOPE-]YYYYMM".
func PeriodPrefix(scope string, now time.Time) string {
	period := now.Format("200601")
	if scope == "" {
		return period
	}
	return scope + "-" + period
}

func timeSuffix(now time.Time) string {
	return now.Format("02150405")
}

func compose(scope string, now time.Time, random string) RecordIdentifier {
	return RecordIdentifier(PeriodPrefix(scope, now) + "-" + timeSuffix(now) + "-" + random)
}

// Parts splits an identifier into its scope, period (YYYYMM) and time/random tail.
type Parts struct {
	Scope  string
	Period string
	Time   string
	Random string
}

func Parse(s string) (Parts, error) {
	m := recordIDPattern.FindStringSubmatch(s)
	if m == nil {
		return Parts{}, fmt.Errorf("malformed record identifier %q", s)
	}
	return Parts{Scope: m[1], Period: m[2], Time: m[3], Random: m[4]}, nil
}
