package model

import "fmt"

// AddrStatus is the lifecycle state of an address inside a mirror.
type AddrStatus string

const (
	StatusIdle  AddrStatus = "idle"
	StatusUsing AddrStatus = "using"
	StatusBad   AddrStatus = "bad"
)

// ParseAddrStatus validates s against the canonical set, matched
// case-sensitively per spec.
func ParseAddrStatus(s string) (AddrStatus, error) {
	switch AddrStatus(s) {
	case StatusIdle, StatusUsing, StatusBad:
		return AddrStatus(s), nil
	default:
		return "", fmt.Errorf("unknown addr status: %q", s)
	}
}

// Valid reports whether the status is one of the canonical values.
func (s AddrStatus) Valid() bool {
	switch s {
	case StatusIdle, StatusUsing, StatusBad:
		return true
	default:
		return false
	}
}
