package fhirpath

import "github.com/ehr/fhirserver/internal/fhirvalue"

type OpCode int

const (
	OpPushConst OpCode = iota
	OpLoadVar
	OpPathStep
	OpIndex
	OpCallFunction
	OpBinaryOp
	OpUnaryOp
	OpTypeIs
	OpTypeAs
	OpWhere
	OpSelect
	OpRepeat
	OpAggregate
	OpExists
	OpAll
	OpJump
	OpJumpIfFalse
)

// VarSlot identifies which implicit variable OpLoadVar reads.
type VarSlot int

const (
	VarThis VarSlot = iota
	VarIndex
	VarTotal
	VarExternal // operand carries the external constant's interned name
)

// Instruction is one bytecode op. Which of A/B/Type/FieldID is meaningful
// depends on Op; unused fields are zero.
type Instruction struct {
	Op      OpCode
	A       int // generic int operand: const index, func id, op id, plan id, argc, jump target
	B       int // secondary operand (argc for CallFunction, has_init flag for Aggregate)
	FieldID int // interned field-name index, for OpPathStep
	Type    string
	Var     VarSlot
}

// Plan is a compiled FHIRPath expression: bytecode plus everything the VM
// needs to execute it without touching the AST/HIR again (§4.2 "Plan
// (bytecode + constant pool + list of compiled subplans)").
type Plan struct {
	Source      string
	RootType    string
	Instructions []Instruction
	Constants   []fhirvalue.Value
	FieldNames  []string
	Subplans    []*Plan
	Warnings    []string
}
