package backend

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"transmute/internal/formats"
)

// Tier orders backends by fidelity and cost.
type Tier int

const (
	TierFast Tier = iota
	TierStandard
	TierHighFidelity
)

// String returns the configuration spelling of the tier.
func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierStandard:
		return "standard"
	case TierHighFidelity:
		return "high_fidelity"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// ParseTier converts a configuration value into a Tier.
func ParseTier(value string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "fast":
		return TierFast, nil
	case "", "standard":
		return TierStandard, nil
	case "high_fidelity", "high-fidelity", "high":
		return TierHighFidelity, nil
	default:
		return TierStandard, fmt.Errorf("unknown backend tier %q", value)
	}
}

// Options carries free-form conversion parameters (for example width, quality).
type Options map[string]string

// Clone returns an independent copy.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Keys returns the option keys in sorted order.
func (o Options) Keys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Backend is an opaque converter for one or more atomic format pairs.
//
// Convert must write the complete result to output and nothing else. It may be
// abandoned on timeout, so it must not touch any other path.
type Backend interface {
	ID() string
	Tier() Tier
	// Quality is the nominal output quality in [0, 1].
	Quality() float64
	SupportedPairs() []formats.Pair
	Available(ctx context.Context) error
	Convert(ctx context.Context, input, output string, opts Options) error
}

// Supports reports whether b declares the pair.
func Supports(b Backend, pair formats.Pair) bool {
	for _, candidate := range b.SupportedPairs() {
		if candidate == pair {
			return true
		}
	}
	return false
}
