package bytecode

// Instruction is one fixed-width 32-bit bytecode word. Five layouts
// share it (spec §4.1):
//
//	iABC:  [1-bit k][8-bit C][8-bit B][8-bit A][7-bit op]
//	iABx:  [17-bit Bx][8-bit A][7-bit op]
//	iAsBx: like iABx, Bx biased to be a signed offset
//	iAx:   [25-bit Ax][7-bit op]
//	isJ:   [25-bit sJ][7-bit op], sJ signed
type Instruction uint32

const (
	shiftOp = 0
	shiftA  = 7
	shiftB  = 15
	shiftC  = 23
	shiftK  = 31

	maskOp = 1<<7 - 1
	maskA  = 1<<8 - 1
	maskB  = 1<<8 - 1
	maskC  = 1<<8 - 1
	maskK  = 1

	shiftBx = 15
	maskBx  = 1<<17 - 1
	bxBias  = 1 << 16 // signed bias for iAsBx, matching a 17-bit Bx field

	shiftAx = 7
	maskAx  = 1<<25 - 1
	sJBias  = 1 << 24

	// immBias centers an 8-bit B or C field on zero, giving the small
	// signed immediates used by ADDI/SUBI/MULI and the EQI/LTI/LEI/
	// GTI/GEI family a range of -128..127.
	immBias = 1 << 7
)

func (i Instruction) OpCode() OpCode { return OpCode(i >> shiftOp & maskOp) }
func (i Instruction) A() int         { return int(i >> shiftA & maskA) }
func (i Instruction) B() int         { return int(i >> shiftB & maskB) }
func (i Instruction) C() int         { return int(i >> shiftC & maskC) }
func (i Instruction) K() bool        { return i>>shiftK&maskK != 0 }
func (i Instruction) Bx() int        { return int(i >> shiftBx & maskBx) }
func (i Instruction) SBx() int       { return i.Bx() - bxBias }
func (i Instruction) Ax() int        { return int(i >> shiftAx & maskAx) }
func (i Instruction) SJ() int        { return i.Ax() - sJBias }
func (i Instruction) SB() int        { return i.B() - immBias }
func (i Instruction) SC() int        { return i.C() - immBias }

func CreateABC(op OpCode, a, b, c int) Instruction {
	return Instruction(op)<<shiftOp | Instruction(a&maskA)<<shiftA |
		Instruction(b&maskB)<<shiftB | Instruction(c&maskC)<<shiftC
}

func CreateABCk(op OpCode, a, b, c int, k bool) Instruction {
	instr := CreateABC(op, a, b, c)
	if k {
		instr |= 1 << shiftK
	}
	return instr
}

func CreateABx(op OpCode, a, bx int) Instruction {
	return Instruction(op)<<shiftOp | Instruction(a&maskA)<<shiftA | Instruction(bx&maskBx)<<shiftBx
}

func CreateAsBx(op OpCode, a, sbx int) Instruction {
	return CreateABx(op, a, sbx+bxBias)
}

func CreateAx(op OpCode, ax int) Instruction {
	return Instruction(op)<<shiftOp | Instruction(ax&maskAx)<<shiftAx
}

func CreateSJ(op OpCode, sj int) Instruction {
	return CreateAx(op, sj+sJBias)
}

// BiasImm converts a small signed value into the biased form SB()/SC()
// decode back out of an 8-bit instruction field.
func BiasImm(n int) int { return n + immBias }

// MaxArgA/MaxArgBx are the largest values the 8-bit A and 17-bit Bx
// fields hold. The compiler never emits the extended LOADKX / Ax form,
// so it has no fallback for an index beyond them.
const (
	MaxArgA  = maskA
	MaxArgBx = maskBx
	MaxSBx   = maskBx - bxBias

	// MaxImm/MinImm bound the small signed immediate an 8-bit B or C
	// field biased by immBias can hold (ADDI/SUBI/MULI, EQI/LTI/LEI/
	// GTI/GEI).
	MaxImm = maskB - immBias
	MinImm = -immBias
)
