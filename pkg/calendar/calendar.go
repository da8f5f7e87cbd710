// Package calendar resolves repeat and due-date expressions against a business calendar.
package calendar

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// maxScanDays bounds the search for the next working day.
const maxScanDays = 3660

// ErrNoWorkingTime is returned when the calendar has no working time left to schedule into.
var ErrNoWorkingTime = errors.New("calendar has no working time")

// Config describes working hours, weekend days and holidays.
type Config struct {
	// DayStart and DayEnd are "HH:MM" in Location.
	DayStart string
	DayEnd   string
	// Weekend holds day names ("saturday", "sun", ...).
	Weekend []string
	// Holidays holds dates formatted as 2006-01-02.
	Holidays []string
	// Location is an IANA zone name; empty means UTC.
	Location string
}

// DefaultConfig returns a Monday to Friday, 09:00 to 17:00 UTC calendar.
func DefaultConfig() Config {
	return Config{
		DayStart: "09:00",
		DayEnd:   "17:00",
		Weekend:  []string{"saturday", "sunday"},
	}
}

// Calendar adds duration expressions to instants.
type Calendar struct {
	dayStart time.Duration
	dayEnd   time.Duration
	weekend  map[time.Weekday]bool
	holidays map[string]struct{}
	loc      *time.Location
}

// New validates cfg and builds a Calendar.
func New(cfg Config) (*Calendar, error) {
	defaults := DefaultConfig()
	if strings.TrimSpace(cfg.DayStart) == "" {
		cfg.DayStart = defaults.DayStart
	}
	if strings.TrimSpace(cfg.DayEnd) == "" {
		cfg.DayEnd = defaults.DayEnd
	}

	start, err := parseClock(cfg.DayStart)
	if err != nil {
		return nil, fmt.Errorf("day start: %w", err)
	}
	end, err := parseClock(cfg.DayEnd)
	if err != nil {
		return nil, fmt.Errorf("day end: %w", err)
	}
	if end <= start {
		return nil, fmt.Errorf("day end %s must be after day start %s", cfg.DayEnd, cfg.DayStart)
	}

	loc := time.UTC
	if name := strings.TrimSpace(cfg.Location); name != "" {
		loc, err = time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("location: %w", err)
		}
	}

	weekend := make(map[time.Weekday]bool, len(cfg.Weekend))
	for _, name := range cfg.Weekend {
		day, err := parseWeekday(name)
		if err != nil {
			return nil, err
		}
		weekend[day] = true
	}
	if len(weekend) >= 7 {
		return nil, fmt.Errorf("%w: every day is a weekend day", ErrNoWorkingTime)
	}

	holidays := make(map[string]struct{}, len(cfg.Holidays))
	for _, raw := range cfg.Holidays {
		day, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(raw), loc)
		if err != nil {
			return nil, fmt.Errorf("holiday %q: %w", raw, err)
		}
		holidays[day.Format(time.DateOnly)] = struct{}{}
	}

	return &Calendar{
		dayStart: start,
		dayEnd:   end,
		weekend:  weekend,
		holidays: holidays,
		loc:      loc,
	}, nil
}

// Default returns the calendar built from DefaultConfig.
func Default() *Calendar {
	cal, err := New(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return cal
}

// Add parses expr and adds it to from.
func (c *Calendar) Add(from time.Time, expr string) (time.Time, error) {
	d, err := ParseDuration(expr)
	if err != nil {
		return time.Time{}, err
	}
	return c.AddDuration(from, d)
}

// AddDuration adds d to from. The result keeps from's location.
func (c *Calendar) AddDuration(from time.Time, d Duration) (time.Time, error) {
	if fixed, ok := d.Fixed(); ok {
		return from.Add(fixed), nil
	}
	if d.Schedule != nil {
		return d.Schedule.Next(from), nil
	}
	if d.Business {
		return c.addBusiness(from, d)
	}

	n := int(d.Amount)
	switch d.Unit {
	case Day:
		return from.AddDate(0, 0, n), nil
	case Week:
		return from.AddDate(0, 0, 7*n), nil
	case Month:
		return from.AddDate(0, n, 0), nil
	case Year:
		return from.AddDate(n, 0, 0), nil
	}
	return time.Time{}, fmt.Errorf("%w: %s", ErrInvalidDuration, d)
}

// IsWorkingDay reports whether t falls on a day that is neither weekend nor holiday.
func (c *Calendar) IsWorkingDay(t time.Time) bool {
	local := t.In(c.loc)
	if c.weekend[local.Weekday()] {
		return false
	}
	_, holiday := c.holidays[local.Format(time.DateOnly)]
	return !holiday
}

// IsWorkingTime reports whether t falls inside working hours of a working day.
func (c *Calendar) IsWorkingTime(t time.Time) bool {
	if !c.IsWorkingDay(t) {
		return false
	}
	day := startOfDay(t.In(c.loc))
	local := t.In(c.loc)
	return !local.Before(day.Add(c.dayStart)) && local.Before(day.Add(c.dayEnd))
}

func (c *Calendar) addBusiness(from time.Time, d Duration) (time.Time, error) {
	if d.Unit == Day {
		t := from.In(c.loc)
		for added := int64(0); added < d.Amount; {
			next, err := c.nextWorkingDay(t)
			if err != nil {
				return time.Time{}, err
			}
			t = next
			added++
		}
		return t.In(from.Location()), nil
	}

	remaining := time.Duration(d.Amount) * fixedUnits[d.Unit]
	t, err := c.windowStartOrWithin(from.In(c.loc))
	if err != nil {
		return time.Time{}, err
	}
	for {
		end := startOfDay(t).Add(c.dayEnd)
		available := end.Sub(t)
		if remaining <= available {
			return t.Add(remaining).In(from.Location()), nil
		}
		remaining -= available
		t, err = c.windowStartOrWithin(end)
		if err != nil {
			return time.Time{}, err
		}
	}
}

// nextWorkingDay returns the same clock time on the next working day after t.
func (c *Calendar) nextWorkingDay(t time.Time) (time.Time, error) {
	for i := 0; i < maxScanDays; i++ {
		t = t.AddDate(0, 0, 1)
		if c.IsWorkingDay(t) {
			return t, nil
		}
	}
	return time.Time{}, ErrNoWorkingTime
}

// windowStartOrWithin returns t when it lies inside working hours, otherwise
// the start of the next working window.
func (c *Calendar) windowStartOrWithin(t time.Time) (time.Time, error) {
	for i := 0; i < maxScanDays; i++ {
		day := startOfDay(t)
		if c.IsWorkingDay(day) {
			start := day.Add(c.dayStart)
			if t.Before(day.Add(c.dayEnd)) {
				if t.Before(start) {
					return start, nil
				}
				return t, nil
			}
		}
		t = day.AddDate(0, 0, 1)
	}
	return time.Time{}, ErrNoWorkingTime
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func parseClock(value string) (time.Duration, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", value, err)
	}
	return time.Duration(parsed.Hour())*time.Hour + time.Duration(parsed.Minute())*time.Minute, nil
}

func parseWeekday(name string) (time.Weekday, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for day := time.Sunday; day <= time.Saturday; day++ {
		full := strings.ToLower(day.String())
		if normalized == full || normalized == full[:3] {
			return day, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}
