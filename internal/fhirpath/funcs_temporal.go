package fhirpath

import "github.com/ehr/fhirserver/internal/fhirvalue"

// temporalFuncDefs implements today()/now(): both read the single instant
// fixed on the EvalContext at the start of the top-level Evaluate call, so
// every reference to "now" within one evaluation agrees (§4.2 "today()/now()
// are evaluated once per top-level evaluation").
func temporalFuncDefs() []FuncDef {
	return []FuncDef{
		fn("today", 0, false, func(m *vm, _ fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			now := m.ctx.Now
			return fhirvalue.Value{
				Kind: fhirvalue.KindDate, Precision: fhirvalue.PrecisionDay,
				Year: now.Year(), Month: int(now.Month()), Day: now.Day(),
			}, nil
		}),
		fn("now", 0, false, func(m *vm, _ fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			now := m.ctx.Now
			_, offsetSec := now.Zone()
			return fhirvalue.Value{
				Kind: fhirvalue.KindDateTime, Precision: fhirvalue.PrecisionMillisecond,
				Year: now.Year(), Month: int(now.Month()), Day: now.Day(),
				Hour: now.Hour(), Minute: now.Minute(), Second: now.Second(), MS: now.Nanosecond() / 1e6,
				HasOffset: true, OffsetMinutes: offsetSec / 60,
			}, nil
		}),
		fn("timeOfDay", 0, false, func(m *vm, _ fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			now := m.ctx.Now
			return fhirvalue.Value{
				Kind: fhirvalue.KindTime, Precision: fhirvalue.PrecisionMillisecond,
				Hour: now.Hour(), Minute: now.Minute(), Second: now.Second(), MS: now.Nanosecond() / 1e6,
			}, nil
		}),
	}
}
