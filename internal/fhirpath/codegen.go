package fhirpath

import (
	"fmt"

	"github.com/ehr/fhirserver/internal/fhirvalue"
)

// codegen walks HIR and emits bytecode into a Plan. Higher-order
// subexpressions get their own nested codegen so each subplan is
// self-contained and addressable by a stable index (§4.2 "Assigns plan ids
// to higher-order subexpressions").
type codegen struct {
	plan        *Plan
	fieldIndex  map[string]int
	constIndex  []fhirvalue.Value
}

func newCodegen(rootType, source string) *codegen {
	return &codegen{
		plan:       &Plan{RootType: rootType, Source: source},
		fieldIndex: map[string]int{},
	}
}

func compileToPlan(h HNode, rootType, source string) (*Plan, error) {
	cg := newCodegen(rootType, source)
	if err := cg.emit(h); err != nil {
		return nil, err
	}
	cg.plan.FieldNames = cg.fieldNamesInOrder()
	return cg.plan, nil
}

func (cg *codegen) fieldNamesInOrder() []string {
	names := make([]string, len(cg.fieldIndex))
	for name, idx := range cg.fieldIndex {
		names[idx] = name
	}
	return names
}

func (cg *codegen) internField(name string) int {
	if idx, ok := cg.fieldIndex[name]; ok {
		return idx
	}
	idx := len(cg.fieldIndex)
	cg.fieldIndex[name] = idx
	return idx
}

func (cg *codegen) internConst(v fhirvalue.Value) int {
	cg.constIndex = append(cg.constIndex, v)
	cg.plan.Constants = append(cg.plan.Constants, v)
	return len(cg.constIndex) - 1
}

func (cg *codegen) emitOp(instr Instruction) {
	cg.plan.Instructions = append(cg.plan.Instructions, instr)
}

func (cg *codegen) addSubplan(p *Plan) int {
	cg.plan.Subplans = append(cg.plan.Subplans, p)
	return len(cg.plan.Subplans) - 1
}

// emit compiles h so that, when the VM runs it, the resulting collection is
// left on top of the stack.
func (cg *codegen) emit(h HNode) error {
	switch n := h.(type) {
	case *HConst:
		v, err := literalValue(n.Value)
		if err != nil {
			return err
		}
		idx := cg.internConst(v)
		cg.emitOp(Instruction{Op: OpPushConst, A: idx})
		return nil

	case *HThis:
		cg.emitOp(Instruction{Op: OpLoadVar, Var: VarThis})
		return nil
	case *HIndexVar:
		cg.emitOp(Instruction{Op: OpLoadVar, Var: VarIndex})
		return nil
	case *HTotal:
		cg.emitOp(Instruction{Op: OpLoadVar, Var: VarTotal})
		return nil
	case *HExternal:
		idx := cg.internField(n.Name)
		cg.emitOp(Instruction{Op: OpLoadVar, Var: VarExternal, FieldID: idx})
		return nil

	case *HPath:
		if n.Target == nil {
			cg.emitOp(Instruction{Op: OpLoadVar, Var: VarThis})
		} else if err := cg.emit(n.Target); err != nil {
			return err
		}
		fid := cg.internField(n.Field)
		cg.emitOp(Instruction{Op: OpPathStep, FieldID: fid})
		return nil

	case *HIndex:
		if err := cg.emit(n.Target); err != nil {
			return err
		}
		if err := cg.emit(n.Index); err != nil {
			return err
		}
		cg.emitOp(Instruction{Op: OpIndex})
		return nil

	case *HUnary:
		if err := cg.emit(n.Operand); err != nil {
			return err
		}
		cg.emitOp(Instruction{Op: OpUnaryOp, A: int(n.Op)})
		return nil

	case *HBinary:
		if err := cg.emit(n.Left); err != nil {
			return err
		}
		if err := cg.emit(n.Right); err != nil {
			return err
		}
		cg.emitOp(Instruction{Op: OpBinaryOp, A: int(n.Op)})
		return nil

	case *HShortCircuit:
		return cg.emitShortCircuit(n)

	case *HTypeCheck:
		if err := cg.emit(n.Target); err != nil {
			return err
		}
		op := OpTypeIs
		if n.IsAs {
			op = OpTypeAs
		}
		cg.emitOp(Instruction{Op: op, Type: n.Type})
		return nil

	case *HCall:
		if n.Target != nil {
			if err := cg.emit(n.Target); err != nil {
				return err
			}
		} else {
			cg.emitOp(Instruction{Op: OpLoadVar, Var: VarThis})
		}
		for _, arg := range n.Args {
			if err := cg.emit(arg); err != nil {
				return err
			}
		}
		cg.emitOp(Instruction{Op: OpCallFunction, A: n.FuncID, B: len(n.Args)})
		return nil

	case *HHigherOrder:
		return cg.emitHigherOrder(n)

	default:
		return fmt.Errorf("codegen: unsupported HIR node %T", h)
	}
}

// emitShortCircuit compiles and/or/implies as Jump/JumpIfFalse so the right
// operand is only evaluated when needed (§4.2).
func (cg *codegen) emitShortCircuit(n *HShortCircuit) error {
	if err := cg.emit(n.Left); err != nil {
		return err
	}
	switch n.Op {
	case OpAnd:
		jfIdx := cg.reserveJump(OpJumpIfFalse)
		if err := cg.emit(n.Right); err != nil {
			return err
		}
		jEnd := cg.reserveJump(OpJump)
		cg.patchJump(jfIdx)
		cg.emitOp(Instruction{Op: OpPushConst, A: cg.internConst(fhirvalue.NewBoolean(false))})
		cg.patchJump(jEnd)
	case OpOr:
		jfIdx := cg.reserveJump(OpJumpIfFalse)
		cg.emitOp(Instruction{Op: OpPushConst, A: cg.internConst(fhirvalue.NewBoolean(true))})
		jEnd := cg.reserveJump(OpJump)
		cg.patchJump(jfIdx)
		if err := cg.emit(n.Right); err != nil {
			return err
		}
		cg.patchJump(jEnd)
	case OpImplies:
		jfIdx := cg.reserveJump(OpJumpIfFalse)
		if err := cg.emit(n.Right); err != nil {
			return err
		}
		jEnd := cg.reserveJump(OpJump)
		cg.patchJump(jfIdx)
		cg.emitOp(Instruction{Op: OpPushConst, A: cg.internConst(fhirvalue.NewBoolean(true))})
		cg.patchJump(jEnd)
	default:
		return fmt.Errorf("codegen: unsupported short-circuit op %v", n.Op)
	}
	return nil
}

func (cg *codegen) reserveJump(op OpCode) int {
	cg.emitOp(Instruction{Op: op})
	return len(cg.plan.Instructions) - 1
}

func (cg *codegen) patchJump(idx int) {
	cg.plan.Instructions[idx].A = len(cg.plan.Instructions)
}

func (cg *codegen) emitHigherOrder(n *HHigherOrder) error {
	if n.Target != nil {
		if err := cg.emit(n.Target); err != nil {
			return err
		}
	} else {
		cg.emitOp(Instruction{Op: OpLoadVar, Var: VarThis})
	}

	switch n.Kind {
	case "where":
		sub, err := compileToPlan(n.Body, cg.plan.RootType, "<where-subplan>")
		if err != nil {
			return err
		}
		cg.emitOp(Instruction{Op: OpWhere, A: cg.addSubplan(sub)})
	case "select":
		sub, err := compileToPlan(n.Body, cg.plan.RootType, "<select-subplan>")
		if err != nil {
			return err
		}
		cg.emitOp(Instruction{Op: OpSelect, A: cg.addSubplan(sub)})
	case "repeat":
		sub, err := compileToPlan(n.Body, cg.plan.RootType, "<repeat-subplan>")
		if err != nil {
			return err
		}
		cg.emitOp(Instruction{Op: OpRepeat, A: cg.addSubplan(sub)})
	case "all":
		sub, err := compileToPlan(n.Body, cg.plan.RootType, "<all-subplan>")
		if err != nil {
			return err
		}
		cg.emitOp(Instruction{Op: OpAll, A: cg.addSubplan(sub)})
	case "exists":
		if n.Body == nil {
			cg.emitOp(Instruction{Op: OpExists, A: -1})
			return nil
		}
		sub, err := compileToPlan(n.Body, cg.plan.RootType, "<exists-subplan>")
		if err != nil {
			return err
		}
		cg.emitOp(Instruction{Op: OpExists, A: cg.addSubplan(sub)})
	case "aggregate":
		sub, err := compileToPlan(n.Body, cg.plan.RootType, "<aggregate-subplan>")
		if err != nil {
			return err
		}
		hasInit := 0
		if n.Init != nil {
			if err := cg.emit(n.Init); err != nil {
				return err
			}
			hasInit = 1
		}
		cg.emitOp(Instruction{Op: OpAggregate, A: cg.addSubplan(sub), B: hasInit})
	default:
		return fmt.Errorf("codegen: unknown higher-order function %q", n.Kind)
	}
	return nil
}

func literalValue(lit hirLiteral) (fhirvalue.Value, error) {
	switch lit.Kind {
	case "null":
		return fhirvalue.Empty, nil
	case "bool":
		return fhirvalue.NewBoolean(lit.Bool), nil
	case "int":
		n, err := parseIntLiteral(lit.Text)
		if err != nil {
			return fhirvalue.Empty, err
		}
		return fhirvalue.NewInteger(n), nil
	case "decimal":
		return fhirvalue.NewDecimalFromString(lit.Text)
	case "string":
		return fhirvalue.NewString(lit.Text), nil
	case "datetime":
		return fhirvalue.ParseDateTime(normalizeAtLiteral(lit.Text))
	case "time":
		return fhirvalue.ParseTime(normalizeAtLiteral(lit.Text))
	default:
		return fhirvalue.Empty, fmt.Errorf("codegen: unknown literal kind %q", lit.Kind)
	}
}

// normalizeAtLiteral strips the leading `@` (and `@T` for time) that marks
// FHIRPath date/time/time literals.
func normalizeAtLiteral(s string) string {
	if len(s) > 0 && s[0] == '@' {
		s = s[1:]
	}
	if len(s) > 0 && s[0] == 'T' {
		s = s[1:]
	}
	return s
}

func parseIntLiteral(s string) (int64, error) {
	var n int64
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("invalid integer literal %q", s)
		}
		n = n*10 + int64(s[i]-'0')
	}
	return n, nil
}
