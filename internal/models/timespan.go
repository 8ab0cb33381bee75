/*
Copyright (C) 2026 Apex Observatory

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"fmt"
	"time"
)

// TimeSpan is a non-negative duration. The zero value is a valid zero span.
// Construction from a negative value fails rather than clamping, so a
// negative duration can never exist inside an estimate or a charge.
type TimeSpan struct {
	d time.Duration
}

// NewTimeSpan validates d and wraps it.
func NewTimeSpan(d time.Duration) (TimeSpan, error) {
	if d < 0 {
		return TimeSpan{}, fmt.Errorf("time span must be non-negative, got %v", d)
	}
	return TimeSpan{d: d}, nil
}

// MustTimeSpan wraps d, panicking on a negative value. Reserved for static
// tables and tests where the input is a literal.
func MustTimeSpan(d time.Duration) TimeSpan {
	ts, err := NewTimeSpan(d)
	if err != nil {
		panic(err)
	}
	return ts
}

// Duration unwraps the span.
func (t TimeSpan) Duration() time.Duration { return t.d }

// IsZero reports whether the span is zero.
func (t TimeSpan) IsZero() bool { return t.d == 0 }

// Add returns the sum of two spans. The sum of non-negative spans is
// non-negative, so no validation is needed.
func (t TimeSpan) Add(other TimeSpan) TimeSpan {
	return TimeSpan{d: t.d + other.d}
}

// Max returns the larger of two spans.
func (t TimeSpan) Max(other TimeSpan) TimeSpan {
	if other.d > t.d {
		return other
	}
	return t
}

func (t TimeSpan) String() string { return t.d.String() }

// MarshalJSON encodes the span as integer microseconds for a stable,
// platform-independent digest encoding.
func (t TimeSpan) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%d", t.d.Microseconds())), nil
}

// UnmarshalJSON decodes integer microseconds, rejecting negative input.
func (t *TimeSpan) UnmarshalJSON(data []byte) error {
	var micros int64
	if _, err := fmt.Sscanf(string(data), "%d", &micros); err != nil {
		return fmt.Errorf("parse time span: %w", err)
	}
	ts, err := NewTimeSpan(time.Duration(micros) * time.Microsecond)
	if err != nil {
		return err
	}
	*t = ts
	return nil
}
