// Package leadtime converts forecast lead times between seconds and the
// compact "(P|M)nDTnHnMnS" notation.
//
// "P" marks a non-negative lead time and "M" a negative one.
// Every field is optional, but at least one must be present.
//
//	P1DT6H  = 108000
//	MT3H    = -10800
//	PT0S    = 0
package leadtime

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	xe "github.com/opst/chiltepin/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	minute = int64(60)
	hour   = 60 * minute
	day    = 24 * hour
)

var pattern = regexp.MustCompile(`^([PM])(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// Parse converts a lead time notation to seconds.
//
// Errors wrap errors.ErrInvalidLeadtime.
func Parse(s string) (int64, error) {
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return 0, xe.Kinded(xe.ErrInvalidLeadtime, "malformed lead time %q", s)
	}
	if m[2] == "" && m[3] == "" && m[4] == "" && m[5] == "" {
		return 0, xe.Kinded(xe.ErrInvalidLeadtime, "lead time %q has no fields", s)
	}
	if strings.HasSuffix(s, "T") {
		return 0, xe.Kinded(xe.ErrInvalidLeadtime, "lead time %q has an empty time part", s)
	}

	total := int64(0)
	for i, unit := range []int64{day, hour, minute, 1} {
		field := m[i+2]
		if field == "" {
			continue
		}
		n, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			return 0, xe.Kinded(xe.ErrInvalidLeadtime, "%q: %s", s, err)
		}
		if n > (math.MaxInt64-total)/unit {
			return 0, xe.Kinded(xe.ErrInvalidLeadtime, "lead time %q overflows", s)
		}
		total += n * unit
	}

	if m[1] == "M" {
		total = -total
	}
	return total, nil
}

// Format converts seconds to the canonical lead time notation.
//
// Zero fields are omitted, "T" appears only when a time-of-day field is
// non-zero, and zero is "PT0S".
func Format(seconds int64) string {
	b := new(strings.Builder)
	abs := uint64(seconds)
	if seconds < 0 {
		b.WriteString("M")
		abs = uint64(-(seconds + 1)) + 1
	} else {
		b.WriteString("P")
	}

	d := abs / uint64(day)
	rest := abs % uint64(day)
	h := rest / uint64(hour)
	rest = rest % uint64(hour)
	m := rest / uint64(minute)
	s := rest % uint64(minute)

	if d > 0 {
		fmt.Fprintf(b, "%dD", d)
	}
	if abs == 0 || rest > 0 || h > 0 {
		b.WriteString("T")
	}
	if h > 0 {
		fmt.Fprintf(b, "%dH", h)
	}
	if m > 0 {
		fmt.Fprintf(b, "%dM", m)
	}
	if s > 0 || abs == 0 {
		fmt.Fprintf(b, "%dS", s)
	}
	return b.String()
}

// Canonical rewrites a notation into its canonical form.
func Canonical(s string) (string, error) {
	sec, err := Parse(s)
	if err != nil {
		return "", err
	}
	return Format(sec), nil
}

// Leadtime is a signed lead time which reads and writes itself
// in the compact notation in YAML documents.
type Leadtime int64

func (l Leadtime) Seconds() int64 {
	return int64(l)
}

func (l Leadtime) Duration() time.Duration {
	return time.Duration(l) * time.Second
}

func (l Leadtime) String() string {
	return Format(int64(l))
}

func (l Leadtime) MarshalYAML() (any, error) {
	return l.String(), nil
}

func (l *Leadtime) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return xe.Kinded(xe.ErrInvalidLeadtime, "line %d: %s", node.Line, err)
	}
	sec, err := Parse(s)
	if err != nil {
		return err
	}
	*l = Leadtime(sec)
	return nil
}
