package utils

import (
	"time"

	"golang.org/x/exp/constraints"
)

// SetDefaultNum sets *p to d if *p <= 0.
func SetDefaultNum[K constraints.Integer | constraints.Float](p *K, d K) {
	if *p <= 0 {
		*p = d
	}
}

// SetDefaultString sets *p to d if *p is empty.
func SetDefaultString(p *string, d string) {
	if len(*p) == 0 {
		*p = d
	}
}

// ParseDurationOr parses s. An empty s returns d.
func ParseDurationOr(s string, d time.Duration) (time.Duration, error) {
	if len(s) == 0 {
		return d, nil
	}
	return time.ParseDuration(s)
}
