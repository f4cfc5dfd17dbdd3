package fhirpath

import (
	"regexp"
	"strings"

	"github.com/ehr/fhirserver/internal/fhirvalue"
)

func stringArg(v fhirvalue.Value) (string, bool) {
	single, ok := fhirvalue.Single(v)
	if !ok || single.Kind != fhirvalue.KindString {
		return "", false
	}
	return single.Str, true
}

func stringFuncDefs() []FuncDef {
	return []FuncDef{
		fn("upper", 0, false, stringUnary(strings.ToUpper)),
		fn("lower", 0, false, stringUnary(strings.ToLower)),
		fn("trim", 0, false, stringUnary(strings.TrimSpace)),
		fn("length", 0, false, func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
			s, ok := stringArg(input)
			if !ok {
				return fhirvalue.Empty, nil
			}
			return fhirvalue.NewInteger(int64(len([]rune(s)))), nil
		}),
		fn("startsWith", 1, false, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			s, ok := stringArg(input)
			prefix, ok2 := stringArg(args[0])
			if !ok || !ok2 {
				return fhirvalue.Empty, nil
			}
			return fhirvalue.NewBoolean(strings.HasPrefix(s, prefix)), nil
		}),
		fn("endsWith", 1, false, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			s, ok := stringArg(input)
			suffix, ok2 := stringArg(args[0])
			if !ok || !ok2 {
				return fhirvalue.Empty, nil
			}
			return fhirvalue.NewBoolean(strings.HasSuffix(s, suffix)), nil
		}),
		fn("contains", 1, false, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			s, ok := stringArg(input)
			sub, ok2 := stringArg(args[0])
			if !ok || !ok2 {
				return fhirvalue.Empty, nil
			}
			return fhirvalue.NewBoolean(strings.Contains(s, sub)), nil
		}),
		fn("indexOf", 1, false, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			s, ok := stringArg(input)
			sub, ok2 := stringArg(args[0])
			if !ok || !ok2 {
				return fhirvalue.Empty, nil
			}
			return fhirvalue.NewInteger(int64(strings.Index(s, sub))), nil
		}),
		fn("substring", 1, true, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			s, ok := stringArg(input)
			if !ok {
				return fhirvalue.Empty, nil
			}
			runes := []rune(s)
			start := intArg(args[0])
			if start < 0 || start >= len(runes) {
				return fhirvalue.Empty, nil
			}
			end := len(runes)
			if len(args) >= 2 {
				length := intArg(args[1])
				if start+length < end {
					end = start + length
				}
			}
			return fhirvalue.NewString(string(runes[start:end])), nil
		}),
		fn("replace", 2, false, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			s, ok := stringArg(input)
			pattern, ok2 := stringArg(args[0])
			repl, ok3 := stringArg(args[1])
			if !ok || !ok2 || !ok3 {
				return fhirvalue.Empty, nil
			}
			return fhirvalue.NewString(strings.ReplaceAll(s, pattern, repl)), nil
		}),
		fn("matches", 1, false, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			s, ok := stringArg(input)
			pattern, ok2 := stringArg(args[0])
			if !ok || !ok2 {
				return fhirvalue.Empty, nil
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fhirvalue.Empty, evalErrorf("invalid regex %q: %v", pattern, err)
			}
			return fhirvalue.NewBoolean(re.MatchString(s)), nil
		}),
		fn("replaceMatches", 2, false, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			s, ok := stringArg(input)
			pattern, ok2 := stringArg(args[0])
			repl, ok3 := stringArg(args[1])
			if !ok || !ok2 || !ok3 {
				return fhirvalue.Empty, nil
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fhirvalue.Empty, evalErrorf("invalid regex %q: %v", pattern, err)
			}
			return fhirvalue.NewString(re.ReplaceAllString(s, repl)), nil
		}),
		fn("split", 1, false, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			s, ok := stringArg(input)
			sep, ok2 := stringArg(args[0])
			if !ok || !ok2 {
				return fhirvalue.Empty, nil
			}
			parts := strings.Split(s, sep)
			out := make([]fhirvalue.Value, len(parts))
			for i, p := range parts {
				out[i] = fhirvalue.NewString(p)
			}
			return fhirvalue.NewCollection(out...), nil
		}),
		fn("join", 1, false, func(_ *vm, input fhirvalue.Value, args []fhirvalue.Value) (fhirvalue.Value, error) {
			sep, ok := stringArg(args[0])
			if !ok {
				return fhirvalue.Empty, nil
			}
			var parts []string
			for _, item := range input.AsCollection() {
				if item.Kind == fhirvalue.KindString {
					parts = append(parts, item.Str)
				}
			}
			return fhirvalue.NewString(strings.Join(parts, sep)), nil
		}),
	}
}

func stringUnary(transform func(string) string) FuncImpl {
	return func(_ *vm, input fhirvalue.Value, _ []fhirvalue.Value) (fhirvalue.Value, error) {
		s, ok := stringArg(input)
		if !ok {
			return fhirvalue.Empty, nil
		}
		return fhirvalue.NewString(transform(s)), nil
	}
}
