package calendar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidDuration is returned for expressions the calendar cannot interpret.
var ErrInvalidDuration = errors.New("invalid duration expression")

// Unit is the unit of a duration expression.
type Unit string

const (
	Millisecond Unit = "millisecond"
	Second      Unit = "second"
	Minute      Unit = "minute"
	Hour        Unit = "hour"
	Day         Unit = "day"
	Week        Unit = "week"
	Month       Unit = "month"
	Year        Unit = "year"
)

var unitAliases = map[string]Unit{
	"ms": Millisecond, "millisecond": Millisecond, "milliseconds": Millisecond,
	"s": Second, "sec": Second, "second": Second, "seconds": Second,
	"m": Minute, "min": Minute, "minute": Minute, "minutes": Minute,
	"h": Hour, "hour": Hour, "hours": Hour,
	"d": Day, "day": Day, "days": Day,
	"w": Week, "week": Week, "weeks": Week,
	"month": Month, "months": Month,
	"y": Year, "year": Year, "years": Year,
}

var fixedUnits = map[Unit]time.Duration{
	Millisecond: time.Millisecond,
	Second:      time.Second,
	Minute:      time.Minute,
	Hour:        time.Hour,
}

const cronPrefix = "cron:"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Duration is a parsed duration expression. Exactly one form is set: an
// amount of a unit (optionally in business time), a Go duration literal, or a
// cron schedule.
type Duration struct {
	Amount   int64
	Unit     Unit
	Business bool
	Literal  time.Duration
	Schedule cron.Schedule
	raw      string
}

// ParseDuration parses expressions such as "1 hour", "3 business days",
// "10 milliseconds", "1h30m" and "cron:*/5 * * * *". Amounts must be positive.
func ParseDuration(expr string) (Duration, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return Duration{}, fmt.Errorf("%w: empty expression", ErrInvalidDuration)
	}

	if strings.HasPrefix(strings.ToLower(raw), cronPrefix) {
		schedule, err := cronParser.Parse(strings.TrimSpace(raw[len(cronPrefix):]))
		if err != nil {
			return Duration{}, fmt.Errorf("%w: %q: %v", ErrInvalidDuration, raw, err)
		}
		return Duration{Schedule: schedule, raw: raw}, nil
	}

	if literal, err := time.ParseDuration(raw); err == nil {
		if literal <= 0 {
			return Duration{}, fmt.Errorf("%w: %q must be positive", ErrInvalidDuration, raw)
		}
		return Duration{Literal: literal, raw: raw}, nil
	}

	fields := strings.Fields(strings.ToLower(raw))
	if len(fields) < 2 || len(fields) > 3 {
		return Duration{}, fmt.Errorf("%w: %q", ErrInvalidDuration, raw)
	}
	amount, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || amount <= 0 {
		return Duration{}, fmt.Errorf("%w: %q needs a positive amount", ErrInvalidDuration, raw)
	}

	business := false
	unitField := fields[1]
	if len(fields) == 3 {
		if fields[1] != "business" {
			return Duration{}, fmt.Errorf("%w: %q", ErrInvalidDuration, raw)
		}
		business = true
		unitField = fields[2]
	}
	unit, ok := unitAliases[unitField]
	if !ok {
		return Duration{}, fmt.Errorf("%w: unknown unit %q", ErrInvalidDuration, unitField)
	}
	if business && unit != Minute && unit != Hour && unit != Day {
		return Duration{}, fmt.Errorf("%w: business time supports minutes, hours and days", ErrInvalidDuration)
	}

	return Duration{Amount: amount, Unit: unit, Business: business, raw: raw}, nil
}

// Fixed returns the wall-clock length of the duration when it does not depend
// on the calendar.
func (d Duration) Fixed() (time.Duration, bool) {
	if d.Literal > 0 {
		return d.Literal, true
	}
	if d.Business || d.Schedule != nil {
		return 0, false
	}
	step, ok := fixedUnits[d.Unit]
	if !ok {
		return 0, false
	}
	return time.Duration(d.Amount) * step, true
}

func (d Duration) String() string {
	return d.raw
}
