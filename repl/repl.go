// Package repl is an interactive driver: load a mid-IR graph, lower it, then
// run the lowered code and inspect the exits it takes.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"

	"jitlower/config"
	"jitlower/lower"
	"jitlower/mir"
	"jitlower/object"
	"jitlower/vm"
)

const PROMPT = ">>"

const usage = `commands:
	load <file>      load and lower a graph
	ir               print the lowered module
	exits            list the exit descriptors
	run [value...]   run the lowered code with the given arguments
	help             print this message`

// Session holds the graph being worked on. Exit and call-site ids are drawn
// from one source so they stay unique across reloads.
type Session struct {
	Config *config.Config
	Logger log.Logger

	runtime *vm.Runtime
	ids     vm.IDSource
	graph   *mir.Graph
	result  *lower.Result
}

func NewSession(c *config.Config, logger log.Logger) *Session {
	if logger == nil {
		logger = log.Root()
	}
	return &Session{Config: c, Logger: logger, runtime: c.NewRuntime()}
}

func Start(in io.Reader, out io.Writer, s *Session) {
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprint(out, PROMPT)
		scanned := scanner.Scan()
		if !scanned {
			return
		}

		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if err := s.Execute(out, fields[0], fields[1:]); err != nil {
			fmt.Fprintf(out, "error: %s\n", err)
		}
	}
}

// Execute runs one command.
func (s *Session) Execute(out io.Writer, cmd string, args []string) error {
	switch cmd {
	case "load":
		if len(args) != 1 {
			return fmt.Errorf("usage: load <file>")
		}
		return s.Load(out, args[0])
	case "ir":
		if s.result == nil {
			return fmt.Errorf("nothing loaded")
		}
		io.WriteString(out, s.result.Module.String())
		return nil
	case "exits":
		if s.result == nil {
			return fmt.Errorf("nothing loaded")
		}
		for _, d := range s.result.Exits {
			io.WriteString(out, d.String()+"\n")
		}
		return nil
	case "run":
		values, err := ParseValues(args)
		if err != nil {
			return err
		}
		return s.Run(out, values)
	case "help":
		io.WriteString(out, usage+"\n")
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func (s *Session) Load(out io.Writer, path string) error {
	g, err := mir.LoadFile(path)
	if err != nil {
		return err
	}
	return s.LoadGraph(out, g)
}

func (s *Session) LoadGraph(out io.Writer, g *mir.Graph) error {
	res, err := lower.Lower(context.Background(), g, s.runtime, &s.ids, s.Config.Options(s.runtime, s.Logger))
	if err != nil {
		return err
	}
	s.graph, s.result = g, res
	fmt.Fprintf(out, "%s: %d blocks, %d exits, %d call sites\n", g.Name, len(res.Function.Blocks), len(res.Exits), len(res.CallSites))
	return nil
}

// Run executes the lowered code on a fresh machine and prints what happened.
func (s *Session) Run(out io.Writer, args []object.Value) error {
	if s.result == nil {
		return fmt.Errorf("nothing loaded")
	}
	g := s.graph
	if len(args) > g.NumArguments {
		return fmt.Errorf("%s takes %d arguments, got %d", g.Name, g.NumArguments, len(args))
	}

	m := vm.NewMachine(s.runtime)
	for id, st := range g.Structures {
		m.Structures[id] = st
	}
	for _, cs := range s.result.CallSites {
		m.CallSites[cs.ID] = cs
	}
	frame := m.NewFrame(g.NumArguments, g.NumLocals)
	for i := 0; i < g.NumArguments; i++ {
		v := object.ValueUndefined
		if i < len(args) {
			v = args[i]
		}
		m.SetSlot(mir.Argument(i), uint64(v))
	}

	outcome, err := m.Run(s.result.Function, frame)
	if err != nil {
		return err
	}
	switch {
	case outcome.Exit != nil:
		desc, ok := s.result.Exit(outcome.Exit.ID)
		if !ok {
			return fmt.Errorf("exit #%d has no descriptor", outcome.Exit.ID)
		}
		slots, err := m.Replay(desc, outcome.Exit)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\n", desc)
		for i, op := range desc.Operands {
			fmt.Fprintf(out, "\t%s = %s\n", op, slots[i])
		}
	case outcome.Exception:
		fmt.Fprintf(out, "exception: %s\n", m.Thrown.Inspect())
	default:
		fmt.Fprintf(out, "%s\n", object.Value(outcome.Value).Inspect())
	}
	return nil
}

// ParseValues reads integers, doubles, true, false, null and undefined.
func ParseValues(args []string) ([]object.Value, error) {
	values := make([]object.Value, 0, len(args))
	for _, a := range args {
		v, err := parseValue(a)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func parseValue(s string) (object.Value, error) {
	switch s {
	case "true":
		return object.ValueTrue, nil
	case "false":
		return object.ValueFalse, nil
	case "null":
		return object.ValueNull, nil
	case "undefined":
		return object.ValueUndefined, nil
	case "NaN":
		return object.Double(math.NaN()), nil
	}
	if i, err := strconv.ParseInt(s, 10, 32); err == nil {
		return object.Int32(int32(i)), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return object.Double(f), nil
	}
	return 0, fmt.Errorf("cannot parse %q as a value", s)
}
