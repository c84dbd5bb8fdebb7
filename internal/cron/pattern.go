package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// InvalidPatternError reports a rejected cron pattern.
type InvalidPatternError struct {
	Pattern string
	Reason  string
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("invalid cron pattern %q: %s", e.Pattern, e.Reason)
}

type fieldSpec struct {
	name string
	min  int
	max  int
}

// The classic 5-field layout. Day of week allows 7 as an alias for Sunday.
var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day of month", 1, 31},
	{"month", 1, 12},
	{"day of week", 0, 7},
}

// ValidatePattern checks a 5-field cron pattern: `*`, steps `*/n` with
// n >= 1, ranges `a-b`, lists `a,b,c`, and single values, each within the
// field's bounds.
func ValidatePattern(pattern string) error {
	parts := strings.Fields(pattern)
	if len(parts) != len(fieldSpecs) {
		return &InvalidPatternError{pattern, fmt.Sprintf("expected 5 fields, got %d", len(parts))}
	}
	for i, part := range parts {
		if reason := validateField(part, fieldSpecs[i]); reason != "" {
			return &InvalidPatternError{pattern, fmt.Sprintf("%s field %q %s", fieldSpecs[i].name, part, reason)}
		}
	}
	return nil
}

func validateField(part string, f fieldSpec) string {
	if part == "*" {
		return ""
	}

	if rest, ok := strings.CutPrefix(part, "*/"); ok {
		step, err := strconv.Atoi(rest)
		if err != nil {
			return "has a non-numeric step"
		}
		if step < 1 {
			return "has a step below 1"
		}
		return ""
	}

	if lo, hi, ok := strings.Cut(part, "-"); ok {
		start, err1 := strconv.Atoi(lo)
		end, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil {
			return "has a non-numeric range bound"
		}
		if start > end || start < f.min || end > f.max {
			return fmt.Sprintf("is outside %d-%d", f.min, f.max)
		}
		return ""
	}

	if strings.Contains(part, ",") {
		for _, v := range strings.Split(part, ",") {
			n, err := strconv.Atoi(v)
			if err != nil {
				return "has a non-numeric list value"
			}
			if n < f.min || n > f.max {
				return fmt.Sprintf("is outside %d-%d", f.min, f.max)
			}
		}
		return ""
	}

	n, err := strconv.Atoi(part)
	if err != nil {
		return "is not numeric"
	}
	if n < f.min || n > f.max {
		return fmt.Sprintf("is outside %d-%d", f.min, f.max)
	}
	return ""
}

// NextRun computes the first fire time strictly after ref.
func NextRun(pattern string, ref time.Time) (time.Time, error) {
	if err := ValidatePattern(pattern); err != nil {
		return time.Time{}, err
	}
	sched, err := cronv3.ParseStandard(normalizeDOW(pattern))
	if err != nil {
		return time.Time{}, &InvalidPatternError{pattern, err.Error()}
	}
	return sched.Next(ref), nil
}

// normalizeDOW rewrites day-of-week 7 to 0 so the underlying parser, which
// bounds that field at 0-6, accepts Sunday-as-7 patterns.
func normalizeDOW(pattern string) string {
	parts := strings.Fields(pattern)
	if len(parts) != 5 {
		return pattern
	}
	dow := parts[4]
	if dow == "*" || strings.HasPrefix(dow, "*/") {
		return pattern
	}

	segs := strings.Split(dow, ",")
	out := make([]string, 0, len(segs))
	for _, seg := range segs {
		switch {
		case seg == "7":
			out = append(out, "0")
		case strings.HasSuffix(seg, "-7"):
			lo := strings.TrimSuffix(seg, "-7")
			switch lo {
			case "7":
				out = append(out, "0")
			case "0":
				out = append(out, "0-6")
			default:
				out = append(out, lo+"-6", "0")
			}
		default:
			out = append(out, seg)
		}
	}
	parts[4] = strings.Join(out, ",")
	return strings.Join(parts, " ")
}
