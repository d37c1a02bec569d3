// Package results keys, validates, merges and persists measurement result sets.
package results

import (
	"sort"

	"github.com/DrC0ns0le/net-speedtest/internal/measure/target"
	"github.com/DrC0ns0le/net-speedtest/pkg/logging"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Metric names; a key is "{metric}_{protocol}".
const (
	Download      = "download"
	Upload        = "upload"
	Latency       = "latency"
	Jitter        = "jitter"
	PacketLoss    = "packet_loss"
	LoadedLatency = "loaded_latency"
)

// RequiredMetrics must be present for every configured protocol.
var RequiredMetrics = []string{Download, Upload, Latency, Jitter, PacketLoss}

// ErrIncompleteResultSet is returned when a set lacks required keys.
var ErrIncompleteResultSet = errors.New("incomplete result set")

// Set maps a metric key to its value; nil means absent.
// Speeds are Mbps, latency and jitter ms, loss percent.
type Set map[string]*float64

// Key builds the key for a metric and protocol, e.g. "jitter_icmp".
func Key(metric string, protocol target.Protocol) string {
	return metric + "_" + string(protocol)
}

// Float returns a pointer to v, for building sets.
func Float(v float64) *float64 {
	return &v
}

// Get returns the value and whether it is present.
func (s Set) Get(key string) (float64, bool) {
	v, ok := s[key]
	if !ok || v == nil {
		return 0, false
	}
	return *v, true
}

// Keys returns the keys in sorted order.
func (s Set) Keys() []string {
	keys := lo.Keys(s)
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, v := range s {
		if v == nil {
			out[k] = nil
			continue
		}
		out[k] = Float(*v)
	}
	return out
}

// RequiredKeys lists every key a complete set has for the given protocols.
func RequiredKeys(protocols []target.Protocol) []string {
	keys := make([]string, 0, len(protocols)*len(RequiredMetrics))
	for _, p := range protocols {
		for _, m := range RequiredMetrics {
			keys = append(keys, Key(m, p))
		}
	}
	return keys
}

// Missing returns the required keys that set lacks. A key holding nil is
// present: jitter with one successful probe is absent, not missing.
func Missing(set Set, required []string) []string {
	return lo.Filter(required, func(key string, _ int) bool {
		_, ok := set[key]
		return !ok
	})
}

// Merge combines two sets key by key. When both hold a value the result is
// their mean; when only one does, that value is kept. Keys present in either
// input appear in the output.
func Merge(existing, incoming Set) Set {
	out := make(Set, len(existing)+len(incoming))
	for k, v := range existing {
		out[k] = copyValue(v)
	}
	for k, v := range incoming {
		prev, seen := out[k]
		switch {
		case !seen || prev == nil:
			out[k] = copyValue(v)
		case v == nil:
			// keep prev
		default:
			out[k] = Float((*prev + *v) / 2)
		}
	}
	return out
}

func copyValue(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return Float(*v)
}

// Aggregator validates result sets for the configured protocols.
type Aggregator struct {
	protocols []target.Protocol
	logger    logging.Logger
}

func NewAggregator(protocols []target.Protocol, logger logging.Logger) *Aggregator {
	return &Aggregator{
		protocols: protocols,
		logger:    logger,
	}
}

func (a *Aggregator) Required() []string {
	return RequiredKeys(a.protocols)
}

// Validate reports whether every required key is present, logging the
// missing ones.
func (a *Aggregator) Validate(set Set) bool {
	missing := Missing(set, a.Required())
	if len(missing) > 0 {
		a.logger.Warnf("result set incomplete, missing %v", missing)
		return false
	}
	return true
}

// Check is Validate as an error wrapping ErrIncompleteResultSet.
func (a *Aggregator) Check(set Set) error {
	if missing := Missing(set, a.Required()); len(missing) > 0 {
		return errors.Wrapf(ErrIncompleteResultSet, "missing %v", missing)
	}
	return nil
}

// Merge combines pass results into one set. Each key takes the mean of
// the values present across all sets, so every set counts equally; a key
// with no value anywhere stays absent.
func (a *Aggregator) Merge(sets ...Set) Set {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, s := range sets {
		for k, v := range s {
			if v == nil {
				continue
			}
			sums[k] += *v
			counts[k]++
		}
	}

	out := Set{}
	for _, s := range sets {
		for k := range s {
			if n := counts[k]; n > 0 {
				out[k] = Float(sums[k] / float64(n))
			} else {
				out[k] = nil
			}
		}
	}
	return out
}
