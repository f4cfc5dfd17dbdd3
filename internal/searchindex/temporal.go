package searchindex

import "time"

// temporalRange computes the half-open [start, end) instant range implied
// by v's declared precision (§4.4 "Date/DateTime/Time": "produce [start,
// end) from the declared precision").
func temporalRange(v tValue) (start, end time.Time) {
	loc := time.UTC
	if v.hasOffset {
		loc = time.FixedZone("", v.offsetMinutes*60)
	}

	year, month, day := v.year, v.month, v.day
	if month == 0 {
		month = 1
	}
	if day == 0 {
		day = 1
	}
	hour, minute, second, ns := v.hour, v.minute, v.second, v.ms*1_000_000

	start = time.Date(year, time.Month(month), day, hour, minute, second, ns, loc)

	switch v.precision {
	case precYear:
		end = start.AddDate(1, 0, 0)
	case precMonth:
		end = start.AddDate(0, 1, 0)
	case precDay:
		end = start.AddDate(0, 0, 1)
	case precHour:
		end = start.Add(time.Hour)
	case precMinute:
		end = start.Add(time.Minute)
	case precSecond:
		end = start.Add(time.Second)
	case precMillisecond:
		end = start.Add(time.Millisecond)
	default:
		end = start.AddDate(0, 0, 1)
	}
	return start, end
}

// tValue is the subset of fhirvalue.Value's temporal fields this package
// needs, kept local so searchindex doesn't re-export fhirvalue's Precision
// constants under a different name at every call site.
type tValue struct {
	year, month, day          int
	hour, minute, second, ms  int
	precision                 precision
	hasOffset                 bool
	offsetMinutes             int
}

type precision int

const (
	precYear precision = iota
	precMonth
	precDay
	precHour
	precMinute
	precSecond
	precMillisecond
)
