// Package policy implements the client/target address allow-deny filters
// and the username/password authenticator, ported from
// original_source/procksy/filter.py and authenticator.py.
package policy

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
)

// FilterMode selects how an AddressFilter's value set is interpreted.
type FilterMode int

const (
	// ModeNone allows every candidate.
	ModeNone FilterMode = iota
	// ModeDeny allows every candidate except those in the value set.
	ModeDeny
	// ModeAllow allows only candidates in the value set.
	ModeAllow
)

// ParseFilterMode converts the lowercase string form used in config files
// and --client-filter/--target-filter flags into a FilterMode.
func ParseFilterMode(s string) (FilterMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return ModeNone, nil
	case "deny":
		return ModeDeny, nil
	case "allow":
		return ModeAllow, nil
	default:
		return ModeNone, fmt.Errorf("policy: unknown filter mode %q", s)
	}
}

// AddressFilter is an immutable allow/deny set over lowercase "host" or
// "host:port" strings.
type AddressFilter struct {
	mode   FilterMode
	values map[string]struct{}
}

// NewAddressFilter builds an AddressFilter from inline values and an
// optional newline-separated file, unioned, lowercased, and trimmed
// (original_source/procksy/filter.py's _items_from_list/_items_from_filepath).
func NewAddressFilter(mode FilterMode, values []string, filepath string) AddressFilter {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	if filepath != "" {
		f, err := os.Open(filepath)
		if err != nil {
			log.Printf("[policy] ignored, file not found: %s", filepath)
		} else {
			defer f.Close()
			scanner := bufio.NewScanner(f)
			for scanner.Scan() {
				v := strings.ToLower(strings.TrimSpace(scanner.Text()))
				if v != "" {
					set[v] = struct{}{}
				}
			}
		}
	}
	return AddressFilter{mode: mode, values: set}
}

// Mode returns the filter's mode.
func (f AddressFilter) Mode() FilterMode { return f.mode }

// IsAllowed mirrors AddressFilter.is_allowed: in NONE mode everything is
// allowed; otherwise membership of either "host" or "host:port" decides,
// inverted for DENY.
func (f AddressFilter) IsAllowed(candidate string, port *int) bool {
	if f.mode == ModeNone {
		return true
	}
	c := strings.ToLower(candidate)
	_, hit := f.values[c]
	if !hit && port != nil {
		cp := c + ":" + strconv.Itoa(*port)
		_, hit = f.values[cp]
	}
	if f.mode == ModeAllow {
		return hit
	}
	return !hit
}
