package fhirvalue

import (
	"fmt"
	"regexp"
	"strconv"
)

// Parsing follows the FHIR/FHIRPath date/time grammar: a value carries only
// as much precision as was written, e.g. "2020" is year-precision and
// "2020-01-02T10:00:00Z" is second-precision. Grounded on
// the teacher's regex-driven approach to partial-date parsing.
var (
	reDate = regexp.MustCompile(`^(\d{4})(-(\d{2})(-(\d{2}))?)?$`)
	reTime = regexp.MustCompile(`^(\d{2})(:(\d{2})(:(\d{2})(\.(\d{1,3}))?)?)?$`)
	reOffset = regexp.MustCompile(`(Z|[+-]\d{2}:\d{2})$`)
)

// ParseDate parses a FHIR `date` literal: YYYY, YYYY-MM, or YYYY-MM-DD.
func ParseDate(s string) (Value, error) {
	m := reDate.FindStringSubmatch(s)
	if m == nil {
		return Empty, fmt.Errorf("invalid date %q", s)
	}
	v := Value{Kind: KindDate, Precision: PrecisionYear}
	v.Year = atoi(m[1])
	if m[3] != "" {
		v.Month = atoi(m[3])
		v.Precision = PrecisionMonth
	} else {
		v.Month = 1
	}
	if m[5] != "" {
		v.Day = atoi(m[5])
		v.Precision = PrecisionDay
	} else {
		v.Day = 1
	}
	return v, nil
}

// ParseDateTime parses a FHIR `dateTime` literal, with an optional timezone
// offset after the time part; a value without an offset has HasOffset false.
func ParseDateTime(s string) (Value, error) {
	datePart := s
	timePart := ""
	offset := ""
	if idx := indexOf(s, 'T'); idx >= 0 {
		datePart = s[:idx]
		rest := s[idx+1:]
		if m := reOffset.FindString(rest); m != "" {
			offset = m
			rest = rest[:len(rest)-len(m)]
		}
		timePart = rest
	}

	dv, err := ParseDate(datePart)
	if err != nil {
		return Empty, err
	}
	v := dv
	v.Kind = KindDateTime

	if timePart == "" {
		return v, nil
	}
	tm := reTime.FindStringSubmatch(timePart)
	if tm == nil {
		return Empty, fmt.Errorf("invalid dateTime %q", s)
	}
	v.Hour = atoi(tm[1])
	v.Precision = PrecisionHour
	if tm[3] != "" {
		v.Minute = atoi(tm[3])
		v.Precision = PrecisionMinute
	}
	if tm[5] != "" {
		v.Second = atoi(tm[5])
		v.Precision = PrecisionSecond
	}
	if tm[7] != "" {
		v.MS = atoi(padMillis(tm[7]))
		v.Precision = PrecisionMillisecond
	}
	if offset != "" {
		v.HasOffset = true
		v.OffsetMinutes = parseOffset(offset)
	}
	return v, nil
}

// ParseTime parses a FHIR `time` literal: HH, HH:MM, HH:MM:SS, or
// HH:MM:SS.sss, with no date or timezone component.
func ParseTime(s string) (Value, error) {
	m := reTime.FindStringSubmatch(s)
	if m == nil {
		return Empty, fmt.Errorf("invalid time %q", s)
	}
	v := Value{Kind: KindTime, Precision: PrecisionHour}
	v.Hour = atoi(m[1])
	if m[3] != "" {
		v.Minute = atoi(m[3])
		v.Precision = PrecisionMinute
	}
	if m[5] != "" {
		v.Second = atoi(m[5])
		v.Precision = PrecisionSecond
	}
	if m[7] != "" {
		v.MS = atoi(padMillis(m[7]))
		v.Precision = PrecisionMillisecond
	}
	return v, nil
}

func padMillis(s string) string {
	for len(s) < 3 {
		s += "0"
	}
	return s
}

func parseOffset(s string) int {
	if s == "Z" {
		return 0
	}
	sign := 1
	if s[0] == '-' {
		sign = -1
	}
	h := atoi(s[1:3])
	m := atoi(s[4:6])
	return sign * (h*60 + m)
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func indexOf(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}
