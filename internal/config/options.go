package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Job option keys. Per-agent and per-section keys take a dotted suffix.
const (
	OptTimeoutPrefix    = "timeout."
	OptRetriesPrefix    = "retries."
	OptGroupPrefix      = "group."
	OptThresholdPrefix  = "threshold."
	OptMandatory        = "mandatory"
	OptGrace            = "grace"
	OptReconcileTimeout = "reconcile.timeout"
	OptJobDeadline      = "job_deadline"
)

// JobOptions is the typed form of a submission's option map.
type JobOptions struct {
	Timeouts         map[string]time.Duration
	Retries          map[string]int
	GroupCapacity    map[string]int
	Thresholds       map[string]float64
	Mandatory        []string
	Grace            time.Duration
	ReconcileTimeout time.Duration
	// JobDeadline is nil when unset, so the orchestrator default applies.
	JobDeadline *bool
	// Unknown lists keys this package does not interpret, sorted.
	Unknown []string
}

// ParseJobOptions validates and decodes a submission option map.
// Malformed values are errors; unknown keys are reported in Unknown.
func ParseJobOptions(raw map[string]string) (JobOptions, error) {
	opts := JobOptions{
		Timeouts:      make(map[string]time.Duration),
		Retries:       make(map[string]int),
		GroupCapacity: make(map[string]int),
		Thresholds:    make(map[string]float64),
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val := strings.TrimSpace(raw[key])
		if err := checkSuffix(key); err != nil {
			return opts, err
		}
		switch {
		case key == OptGrace:
			d, err := positiveDuration(key, val)
			if err != nil {
				return opts, err
			}
			opts.Grace = d
		case key == OptReconcileTimeout:
			d, err := positiveDuration(key, val)
			if err != nil {
				return opts, err
			}
			opts.ReconcileTimeout = d
		case key == OptJobDeadline:
			b, err := strconv.ParseBool(val)
			if err != nil {
				return opts, fmt.Errorf("option %s: %w", key, err)
			}
			opts.JobDeadline = &b
		case key == OptMandatory:
			for _, s := range strings.Split(val, ",") {
				if s = strings.TrimSpace(s); s != "" {
					opts.Mandatory = append(opts.Mandatory, s)
				}
			}
		case strings.HasPrefix(key, OptTimeoutPrefix):
			d, err := positiveDuration(key, val)
			if err != nil {
				return opts, err
			}
			opts.Timeouts[suffix(key, OptTimeoutPrefix)] = d
		case strings.HasPrefix(key, OptRetriesPrefix):
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return opts, fmt.Errorf("option %s: want an attempt count >= 1, got %q", key, val)
			}
			opts.Retries[suffix(key, OptRetriesPrefix)] = n
		case strings.HasPrefix(key, OptGroupPrefix):
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return opts, fmt.Errorf("option %s: want a capacity >= 1, got %q", key, val)
			}
			opts.GroupCapacity[suffix(key, OptGroupPrefix)] = n
		case strings.HasPrefix(key, OptThresholdPrefix):
			f, err := strconv.ParseFloat(val, 64)
			if err != nil || f < 0 || f > 1 {
				return opts, fmt.Errorf("option %s: want a threshold in [0,1], got %q", key, val)
			}
			opts.Thresholds[suffix(key, OptThresholdPrefix)] = f
		default:
			opts.Unknown = append(opts.Unknown, key)
		}
	}
	return opts, nil
}

func positiveDuration(key, val string) (time.Duration, error) {
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("option %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("option %s: duration must be positive", key)
	}
	return d, nil
}

func suffix(key, prefix string) string {
	return strings.TrimPrefix(key, prefix)
}

// checkSuffix rejects prefixed keys with nothing after the dot.
func checkSuffix(key string) error {
	for _, prefix := range []string{OptTimeoutPrefix, OptRetriesPrefix, OptGroupPrefix, OptThresholdPrefix} {
		if key == prefix {
			return fmt.Errorf("option %s: missing name after %q", key, prefix)
		}
	}
	return nil
}
