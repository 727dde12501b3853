package ir

import (
	"fmt"

	"github.com/tinyrange/tasm/internal/assembler"
	"github.com/tinyrange/tasm/internal/isa"
)

// Builder lowers parsed assembly statements into an IR module. Blocks
// are split at labels and after unconditional terminators; control
// edges, including fallthrough edges of conditional jumps, are linked
// once all blocks exist.
type Builder struct {
	module  *Module
	fn      *Function
	block   *BasicBlock
	globals map[string]bool

	inCode    bool
	dataLabel string
	blockSeq  int
	dataSeq   int
}

func NewBuilder() *Builder {
	return &Builder{
		module:  &Module{},
		globals: make(map[string]bool),
		inCode:  true,
	}
}

// Build lowers a whole source file.
func Build(src, file string) (*Module, error) {
	stmts, err := assembler.Parse(src, file)
	if err != nil {
		return nil, err
	}
	return NewBuilder().Lower(stmts)
}

func isCodeSection(name string) bool {
	return name == ".code" || name == ".text"
}

func (b *Builder) Lower(stmts []assembler.Statement) (*Module, error) {
	for _, stmt := range stmts {
		if stmt.Kind == assembler.StmtGlobal {
			b.globals[stmt.Name] = true
		}
	}

	for _, stmt := range stmts {
		switch stmt.Kind {
		case assembler.StmtSection:
			b.inCode = isCodeSection(stmt.Section)
			b.dataLabel = ""
		case assembler.StmtLabel:
			if b.inCode {
				b.startBlock(stmt.Label)
			} else {
				b.dataLabel = stmt.Label
			}
		case assembler.StmtInstruction:
			if !b.inCode {
				return nil, fmt.Errorf("instruction %s outside a code section", stmt.Inst.Op)
			}
			b.emit(stmt.Inst)
		case assembler.StmtData:
			if b.inCode {
				return nil, fmt.Errorf("data directive inside a code section")
			}
			b.emitData(stmt.Data)
		}
	}

	if err := b.linkEdges(); err != nil {
		return nil, err
	}
	if b.module.Entry == "" && len(b.module.Functions) > 0 {
		b.module.Entry = b.module.Functions[0].Name
	}
	return b.module, nil
}

// startBlock opens the named block. A global label, or any label seen
// before the first function, begins a new function instead.
func (b *Builder) startBlock(name string) {
	if b.fn == nil || b.globals[name] {
		fn := &Function{Name: name}
		entry := &BasicBlock{Name: name}
		fn.Entry = entry
		fn.Blocks = []*BasicBlock{entry}
		b.module.Functions = append(b.module.Functions, fn)
		if b.globals[name] && b.module.Entry == "" {
			b.module.Entry = name
		}
		b.fn = fn
		b.block = entry
		return
	}
	block := &BasicBlock{Name: name}
	b.fn.Blocks = append(b.fn.Blocks, block)
	b.block = block
}

func blockEnded(block *BasicBlock) bool {
	if len(block.Instructions) == 0 {
		return false
	}
	op := block.Instructions[len(block.Instructions)-1].Op
	return op.IsTerminator() || op.IsConditionalJump()
}

func (b *Builder) currentBlock() *BasicBlock {
	if b.fn == nil {
		b.startBlock("main")
	}
	if blockEnded(b.block) {
		b.blockSeq++
		b.startBlock(fmt.Sprintf("bb%d", b.blockSeq))
	}
	return b.block
}

func operandValue(o isa.Operand) Value {
	switch o.Kind {
	case isa.OperandReg:
		return RegVal(o.Reg)
	case isa.OperandImm:
		return Const(o.Imm)
	case isa.OperandMem:
		return MemVal(o.Mem)
	case isa.OperandLabel:
		return SymVal(o.Label)
	}
	return Value{}
}

func (b *Builder) emit(inst isa.Instruction) {
	block := b.currentBlock()
	out := &Instruction{Op: inst.Op}
	if inst.Op.IsJump() && inst.A.Kind == isa.OperandLabel {
		out.Target = inst.A.Label
	} else {
		out.Dest = operandValue(inst.A)
		out.Src = operandValue(inst.B)
	}
	block.Instructions = append(block.Instructions, out)
}

func (b *Builder) emitData(data []byte) {
	name := b.dataLabel
	if name == "" {
		name = fmt.Sprintf("data%d", b.dataSeq)
		b.dataSeq++
	}
	for i := range b.module.Globals {
		if b.module.Globals[i].Name == name {
			b.module.Globals[i].Data = append(b.module.Globals[i].Data, data...)
			return
		}
	}
	b.module.Globals = append(b.module.Globals, Global{Name: name, Data: data})
}

// linkEdges wires successor and predecessor sets. Calls do not create
// edges; they return to the following instruction.
func (b *Builder) linkEdges() error {
	for _, fn := range b.module.Functions {
		for i, block := range fn.Blocks {
			next := (*BasicBlock)(nil)
			if i+1 < len(fn.Blocks) {
				next = fn.Blocks[i+1]
			}

			if len(block.Instructions) == 0 {
				if next != nil {
					block.addEdge(next)
				}
				continue
			}

			last := block.Instructions[len(block.Instructions)-1]
			switch {
			case last.Op == isa.OpJmp:
				target := fn.Block(last.Target)
				if target == nil {
					return fmt.Errorf("function %s: jump to unknown block %q", fn.Name, last.Target)
				}
				block.addEdge(target)
			case last.Op.IsConditionalJump():
				target := fn.Block(last.Target)
				if target == nil {
					return fmt.Errorf("function %s: jump to unknown block %q", fn.Name, last.Target)
				}
				block.addEdge(target)
				if next != nil {
					block.addEdge(next)
				}
			case last.Op == isa.OpRet || last.Op == isa.OpHlt:
				// no successors
			default:
				if next != nil {
					block.addEdge(next)
				}
			}
		}
	}
	return nil
}
