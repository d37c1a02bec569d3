package config

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var (
	bytesPattern     = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)([a-z]+)?$`)
	bandwidthPattern = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)([a-z/]+)?$`)
)

type Duration time.Duration

// UnmarshalYAML accepts a duration string ("2s") or a number of seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.New("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Size is a byte count written as "10MB", "1500KB" or a plain integer.
type Size int64

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.New("size must be a scalar")
	}
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	n, err := ParseBytes(raw)
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

func (s Size) Bytes() int64 {
	return int64(s)
}

// ParseBytes parses a size string (e.g. "200MB", "1500KB") and returns bytes.
func ParseBytes(input string) (int64, error) {
	s := strings.ReplaceAll(strings.TrimSpace(strings.ToLower(input)), " ", "")
	if s == "" {
		return 0, errors.New("bytes value is empty")
	}

	match := bytesPattern.FindStringSubmatch(s)
	if match == nil {
		return 0, fmt.Errorf("invalid bytes value %q", input)
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bytes value %q", input)
	}

	switch match[2] {
	case "", "b":
		return int64(math.Round(value)), nil
	case "kb", "k":
		return int64(math.Round(value * 1e3)), nil
	case "mb", "m":
		return int64(math.Round(value * 1e6)), nil
	case "gb", "g":
		return int64(math.Round(value * 1e9)), nil
	case "kib":
		return int64(math.Round(value * (1 << 10))), nil
	case "mib":
		return int64(math.Round(value * (1 << 20))), nil
	case "gib":
		return int64(math.Round(value * (1 << 30))), nil
	default:
		return 0, fmt.Errorf("unknown bytes unit %q", match[2])
	}
}

// ParseBandwidth parses a rate string (e.g. "100Mbps", "1g") and returns bits per second.
func ParseBandwidth(input string) (float64, error) {
	s := strings.ReplaceAll(strings.TrimSpace(strings.ToLower(input)), " ", "")
	if s == "" {
		return 0, errors.New("bandwidth is empty")
	}

	match := bandwidthPattern.FindStringSubmatch(s)
	if match == nil {
		return 0, fmt.Errorf("invalid bandwidth %q", input)
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth %q", input)
	}

	switch match[2] {
	case "", "bps", "b/s":
		return value, nil
	case "kbps", "k":
		return value * 1e3, nil
	case "mbps", "m":
		return value * 1e6, nil
	case "gbps", "g":
		return value * 1e9, nil
	case "kb/s":
		return value * 1e3 * 8, nil
	case "mb/s":
		return value * 1e6 * 8, nil
	case "gb/s":
		return value * 1e9 * 8, nil
	default:
		return 0, fmt.Errorf("unknown bandwidth unit %q", match[2])
	}
}
