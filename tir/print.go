package tir

import (
	"bytes"
	"fmt"
	"strings"

	"jitlower/heap"
)

// String prints the module as LLVM-style text.
func (m *Module) String() string {
	var out bytes.Buffer

	fmt.Fprintf(&out, "; ModuleID = '%s'\n\n", m.Name)
	for _, d := range m.decls {
		out.WriteString(declString(d))
		out.WriteString("\n")
	}
	if len(m.decls) > 0 {
		out.WriteString("\n")
	}

	p := &printer{module: m, out: &out}
	for _, f := range m.Functions {
		p.function(f)
		out.WriteString("\n")
	}

	if len(m.TargetFeatures) > 0 {
		fmt.Fprintf(&out, "attributes #0 = { \"target-features\"=\"%s\" }\n\n", strings.Join(m.TargetFeatures, ","))
	}

	for i, r := range m.regions {
		if r.parent < 0 {
			fmt.Fprintf(&out, "!%d = !{!\"%s\"}\n", i, r.name)
			continue
		}
		fmt.Fprintf(&out, "!%d = !{!\"%s\", !%d}\n", i, r.name, r.parent)
	}
	n := len(m.regions)
	fmt.Fprintf(&out, "!%d = !{!\"branch_weights\", i32 2000, i32 1}\n", n)
	fmt.Fprintf(&out, "!%d = !{!\"branch_weights\", i32 1, i32 2000}\n", n+1)

	return out.String()
}

// String prints a single function.
func (f *Function) String() string {
	var out bytes.Buffer
	p := &printer{out: &out}
	p.function(f)
	return out.String()
}

func declString(d *Decl) string {
	params := make([]string, 0, len(d.Params)+1)
	for _, t := range d.Params {
		params = append(params, t.String())
	}
	if d.Variadic {
		params = append(params, "...")
	}
	line := fmt.Sprintf("declare %s @%s(%s)", d.Ret, d.Name, strings.Join(params, ", "))
	if d.NoReturn {
		line += " noreturn"
	}
	if d.Kind == DeclRuntime && d.Address != 0 {
		line += fmt.Sprintf(" ; %#x", d.Address)
	}
	return line
}

type printer struct {
	module *Module
	out    *bytes.Buffer
}

func (p *printer) likelyMeta() string {
	if p.module == nil {
		return "!likely"
	}
	return fmt.Sprintf("!%d", len(p.module.regions))
}

func (p *printer) unlikelyMeta() string {
	if p.module == nil {
		return "!unlikely"
	}
	return fmt.Sprintf("!%d", len(p.module.regions)+1)
}

func (p *printer) function(f *Function) {
	params := make([]string, len(f.Params))
	for i, prm := range f.Params {
		params[i] = fmt.Sprintf("%s %s", prm.typ, prm.Ref())
	}
	attrs := ""
	if p.module != nil && len(p.module.TargetFeatures) > 0 {
		attrs = " #0"
	}
	fmt.Fprintf(p.out, "define %s @%s(%s)%s {\n", f.Ret, f.Name, strings.Join(params, ", "), attrs)
	for _, b := range f.Blocks {
		fmt.Fprintf(p.out, "%s:\n", b.Label())
		for _, i := range b.instrs {
			p.out.WriteString("  ")
			p.out.WriteString(p.instr(i))
			p.out.WriteString("\n")
		}
	}
	p.out.WriteString("}\n")
}

func typed(v Value) string {
	return fmt.Sprintf("%s %s", v.Type(), v.Ref())
}

func (p *printer) instr(i *Instr) string {
	var s string
	switch {
	case i.op == OpICmp || i.op == OpFCmp:
		s = fmt.Sprintf("%s %s %s %s, %s", i.op, i.Pred, i.args[0].Type(), i.args[0].Ref(), i.args[1].Ref())
	case i.op == OpFNeg:
		s = fmt.Sprintf("fneg %s", typed(i.args[0]))
	case i.op.IsCast():
		s = fmt.Sprintf("%s %s to %s", i.op, typed(i.args[0]), i.typ)
	case i.op <= OpFDiv:
		s = fmt.Sprintf("%s %s %s, %s", i.op, i.typ, i.args[0].Ref(), i.args[1].Ref())
	case i.op == OpSelect:
		s = fmt.Sprintf("select %s, %s, %s", typed(i.args[0]), typed(i.args[1]), typed(i.args[2]))
	case i.op == OpLoad:
		s = fmt.Sprintf("load %s, %s", i.typ, typed(i.args[0]))
	case i.op == OpStore:
		s = fmt.Sprintf("store %s, %s", typed(i.args[0]), typed(i.args[1]))
	case i.op == OpExtractValue:
		s = fmt.Sprintf("extractvalue %s, %d", typed(i.args[0]), i.Index)
	case i.op == OpPhi:
		parts := make([]string, len(i.Incoming))
		for n, in := range i.Incoming {
			parts[n] = fmt.Sprintf("[ %s, %%%s ]", in.Value.Ref(), in.Block.Label())
		}
		s = fmt.Sprintf("phi %s %s", i.typ, strings.Join(parts, ", "))
	case i.op == OpCall:
		args := make([]string, len(i.args))
		for n, a := range i.args {
			args[n] = typed(a)
		}
		s = fmt.Sprintf("call %s %s(%s)", i.typ, i.Callee.Ref(), strings.Join(args, ", "))
	case i.op == OpBr:
		s = fmt.Sprintf("br label %%%s", i.Targets[0].Label())
	case i.op == OpCondBr:
		s = fmt.Sprintf("br %s, label %%%s, label %%%s", typed(i.args[0]), i.Targets[0].Label(), i.Targets[1].Label())
		switch i.Weight {
		case WeightLikely:
			s += ", !prof " + p.likelyMeta()
		case WeightUnlikely:
			s += ", !prof " + p.unlikelyMeta()
		}
	case i.op == OpSwitch:
		cases := make([]string, len(i.Cases))
		for n, c := range i.Cases {
			cases[n] = fmt.Sprintf("%s %d, label %%%s", i.args[0].Type(), c, i.Targets[n+1].Label())
		}
		s = fmt.Sprintf("switch %s, label %%%s [ %s ]", typed(i.args[0]), i.Targets[0].Label(), strings.Join(cases, " "))
	case i.op == OpRet:
		if len(i.args) == 0 {
			s = "ret void"
		} else {
			s = "ret " + typed(i.args[0])
		}
	case i.op == OpUnreachable:
		s = "unreachable"
	default:
		s = i.op.String()
	}

	if i.HasResult() {
		s = i.Ref() + " = " + s
	}
	if i.Heap != nil {
		s += fmt.Sprintf(", !tbaa !%d", i.Heap.ID())
		if i.Heap.Kind() == heap.KindAbsolute {
			s += fmt.Sprintf(" ; @%#x", i.Address)
		}
	}
	if i.Comment != "" {
		s += " ; " + i.Comment
	}
	return s
}
