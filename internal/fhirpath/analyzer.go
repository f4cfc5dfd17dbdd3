package fhirpath

import "fmt"

// TypeError reports a static-analysis failure in strict mode (§4.2).
type TypeError struct {
	Message string
}

func (e *TypeError) Error() string { return "fhirpath type error: " + e.Message }

// Mode controls how the analyzer treats unresolvable constructs: Strict
// surfaces them as compile errors, Lenient degrades to a warning plus an
// Empty-typed node (§4.2 "Static analysis").
type Mode int

const (
	ModeLenient Mode = iota
	ModeStrict
)

// analyzer performs name resolution against the function registry and
// assigns HIR nodes. It does not yet have a StructureDefinition-backed type
// environment (internal/fhircontext supplies that to the indexer/planner
// layer above), so path steps are resolved dynamically at evaluation time;
// here it only validates function names and arities.
type analyzer struct {
	mode     Mode
	registry *FunctionRegistry
	warnings []string
}

func newAnalyzer(mode Mode, registry *FunctionRegistry) *analyzer {
	return &analyzer{mode: mode, registry: registry}
}

func (a *analyzer) analyze(n Node) (HNode, error) {
	switch t := n.(type) {
	case *NullLiteral:
		return &HConst{Value: hirLiteral{Kind: "null"}}, nil
	case *BoolLiteral:
		return &HConst{Value: hirLiteral{Kind: "bool", Bool: t.Value}}, nil
	case *NumberLiteral:
		kind := "decimal"
		if t.IsInt {
			kind = "int"
		}
		return &HConst{Value: hirLiteral{Kind: kind, Text: t.Text}}, nil
	case *StringLiteral:
		return &HConst{Value: hirLiteral{Kind: "string", Text: t.Value}}, nil
	case *DateTimeLiteral:
		return &HConst{Value: hirLiteral{Kind: "datetime", Text: t.Text}}, nil
	case *TimeLiteral:
		return &HConst{Value: hirLiteral{Kind: "time", Text: t.Text}}, nil
	case *Identifier:
		return &HPath{Field: t.Name}, nil
	case *ThisInvocation:
		return &HThis{}, nil
	case *IndexInvocation:
		return &HIndexVar{}, nil
	case *TotalInvocation:
		return &HTotal{}, nil
	case *ExternalConstant:
		return &HExternal{Name: t.Name}, nil
	case *MemberAccess:
		target, err := a.analyze(t.Target)
		if err != nil {
			return nil, err
		}
		return &HPath{Target: target, Field: t.Name}, nil
	case *IndexerExpr:
		target, err := a.analyze(t.Target)
		if err != nil {
			return nil, err
		}
		idx, err := a.analyze(t.Index)
		if err != nil {
			return nil, err
		}
		return &HIndex{Target: target, Index: idx}, nil
	case *UnaryExpr:
		operand, err := a.analyze(t.Operand)
		if err != nil {
			return nil, err
		}
		op := OpNegate
		if t.Op == "+" {
			op = OpPlus
		}
		return &HUnary{Op: op, Operand: operand}, nil
	case *TypeExpr:
		target, err := a.analyze(t.Target)
		if err != nil {
			return nil, err
		}
		return &HTypeCheck{IsAs: t.Op == "as", Target: target, Type: t.Type}, nil
	case *BinaryExpr:
		return a.analyzeBinary(t)
	case *Invocation:
		return a.analyzeInvocation(t)
	default:
		return nil, &TypeError{Message: fmt.Sprintf("unsupported AST node %T", n)}
	}
}

func (a *analyzer) analyzeBinary(t *BinaryExpr) (HNode, error) {
	left, err := a.analyze(t.Left)
	if err != nil {
		return nil, err
	}
	right, err := a.analyze(t.Right)
	if err != nil {
		return nil, err
	}
	opID, ok := binaryOpIDs[t.Op]
	if !ok {
		return nil, &TypeError{Message: fmt.Sprintf("unknown operator %q", t.Op)}
	}
	if t.Op == "and" || t.Op == "or" || t.Op == "implies" {
		return &HShortCircuit{Op: opID, Left: left, Right: right}, nil
	}
	return &HBinary{Op: opID, Left: left, Right: right}, nil
}

func (a *analyzer) analyzeInvocation(t *Invocation) (HNode, error) {
	var target HNode
	if t.Target != nil {
		var err error
		target, err = a.analyze(t.Target)
		if err != nil {
			return nil, err
		}
	}

	if higherOrderFuncs[t.Name] {
		return a.analyzeHigherOrder(target, t)
	}

	def, ok := a.registry.byName[t.Name]
	if !ok {
		if a.mode == ModeStrict {
			return nil, &TypeError{Message: fmt.Sprintf("unknown function %q", t.Name)}
		}
		a.warnings = append(a.warnings, fmt.Sprintf("unknown function %q treated as Empty", t.Name))
		return &HConst{Value: hirLiteral{Kind: "null"}}, nil
	}
	if !def.Variadic && len(t.Args) != def.Arity {
		if a.mode == ModeStrict {
			return nil, &TypeError{Message: fmt.Sprintf("function %q expects %d args, got %d", t.Name, def.Arity, len(t.Args))}
		}
	}

	args := make([]HNode, len(t.Args))
	for i, arg := range t.Args {
		hn, err := a.analyze(arg)
		if err != nil {
			return nil, err
		}
		args[i] = hn
	}
	return &HCall{Target: target, Name: t.Name, FuncID: def.ID, Args: args}, nil
}

func (a *analyzer) analyzeHigherOrder(target HNode, t *Invocation) (HNode, error) {
	ho := &HHigherOrder{Target: target, Kind: t.Name}
	switch t.Name {
	case "aggregate":
		if len(t.Args) < 1 || len(t.Args) > 2 {
			return nil, &TypeError{Message: "aggregate() expects 1 or 2 arguments"}
		}
		body, err := a.analyze(t.Args[0])
		if err != nil {
			return nil, err
		}
		ho.Body = body
		if len(t.Args) == 2 {
			init, err := a.analyze(t.Args[1])
			if err != nil {
				return nil, err
			}
			ho.Init = init
		}
	case "exists":
		if len(t.Args) == 1 {
			body, err := a.analyze(t.Args[0])
			if err != nil {
				return nil, err
			}
			ho.Body = body
		} else if len(t.Args) != 0 {
			return nil, &TypeError{Message: "exists() expects 0 or 1 arguments"}
		}
	default: // where, select, repeat, all
		if len(t.Args) != 1 {
			return nil, &TypeError{Message: fmt.Sprintf("%s() expects exactly 1 argument", t.Name)}
		}
		body, err := a.analyze(t.Args[0])
		if err != nil {
			return nil, err
		}
		ho.Body = body
	}
	return ho, nil
}
