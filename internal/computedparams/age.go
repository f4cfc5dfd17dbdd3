package computedparams

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ehr/fhirserver/internal/fhirvalue"
	"github.com/ehr/fhirserver/internal/searchindex"
)

func decimalFromAge(age int) decimal.Decimal { return decimal.NewFromInt(int64(age)) }

// AgeIndexHook writes a search_number row named "age" holding the
// patient's age in whole years, computed from Patient.birthDate at
// indexing time. It writes no search_date row, and AgeQueryHook does not
// read this row: age searches are rewritten to birthDate.
type AgeIndexHook struct{}

func (AgeIndexHook) Index(_ context.Context, _, _ string, doc fhirvalue.Value) ([]searchindex.Entry, error) {
	birthDate, ok := doc.Get("birthDate")
	if !ok || birthDate.Kind != fhirvalue.KindDate {
		return nil, nil
	}
	now := time.Now().UTC()
	age := now.Year() - birthDate.Year
	hadBirthdayThisYear := now.Month() > time.Month(birthDate.Month) ||
		(now.Month() == time.Month(birthDate.Month) && now.Day() >= birthDate.Day)
	if !hadBirthdayThisYear {
		age--
	}
	if age < 0 {
		return nil, nil
	}
	return []searchindex.Entry{{Kind: searchindex.KindNumber, Number: decimalFromAge(age)}}, nil
}

// AgeQueryHook rewrites `age=N` (or a prefixed comparison) into the
// equivalent birthDate range, so `internal/searchplanner` can resolve it
// against the ordinary `search_date` predicate machinery without knowing
// "age" is computed (§4.6 example: "age=34 to birthdate range [today-35y,
// today-34y)").
type AgeQueryHook struct{}

func (AgeQueryHook) Resolve(_ context.Context, _, _ string, values []string) ([]ResolvedParam, error) {
	out := make([]ResolvedParam, 0, len(values))
	for _, raw := range values {
		prefix, numeric := splitPrefix(raw)
		years, err := parseAgeYears(numeric)
		if err != nil {
			return nil, fmt.Errorf("computedparams: invalid age value %q: %w", raw, err)
		}
		start, end := ageToBirthDateRange(years)
		out = append(out, ResolvedParam{
			Name:     "birthDate",
			Modifier: "",
			Prefix:   prefixForAge(prefix),
			Values:   []string{start, end},
		})
	}
	return out, nil
}

// ageToBirthDateRange computes the half-open birthDate range
// [today - (years+1) years, today - years years) matching someone whose
// age in whole years equals years as of today.
func ageToBirthDateRange(years int) (start, end string) {
	now := time.Now().UTC()
	startDate := time.Date(now.Year()-years-1, now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	endDate := time.Date(now.Year()-years, now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return startDate.Format("2006-01-02"), endDate.Format("2006-01-02")
}

func splitPrefix(raw string) (prefix, rest string) {
	prefixes := []string{"eq", "ne", "lt", "le", "gt", "ge", "sa", "eb", "ap"}
	for _, p := range prefixes {
		if len(raw) > len(p) && raw[:len(p)] == p {
			return p, raw[len(p):]
		}
	}
	return "eq", raw
}

func prefixForAge(p string) string {
	if p == "" {
		return "eq"
	}
	return p
}

func parseAgeYears(s string) (int, error) {
	var years int
	_, err := fmt.Sscanf(s, "%d", &years)
	if err != nil {
		return 0, err
	}
	if years < 0 {
		return 0, fmt.Errorf("age must be non-negative, got %d", years)
	}
	return years, nil
}
