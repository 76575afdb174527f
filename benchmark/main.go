package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"jitlower/config"
	"jitlower/lower"
	"jitlower/mir"
	"jitlower/repl"
	"jitlower/vm"
)

var (
	phase      = flag.String("phase", "lower", "measure 'lower' or 'run'")
	iterations = flag.Int("n", 1000, "number of iterations")
	configPath = flag.String("config", "", "configuration file")
)

// A loop summing its counter, so the run phase goes through phis and the
// overflow checks on every iteration.
var source = `
name: sum
arguments: 1
locals: 0
blocks:
  - nodes:
      - {id: n, op: GetLocal, operand: arg0, format: int32, prediction: Int32}
      - {id: zero, op: JSConstant, value: 0}
      - {op: Upsilon, children: ["Int32:zero"], phi: i}
      - {op: Upsilon, children: ["Int32:zero"], phi: acc}
      - {op: Jump, targets: [1]}
  - nodes:
      - {id: i, op: Phi, result: int32}
      - {id: acc, op: Phi, result: int32}
      - {id: done, op: CompareLess, children: ["Int32:i", "Int32:n"]}
      - {op: Branch, children: ["KnownBoolean:done"], targets: [2, 3]}
  - nodes:
      - {id: next, op: ArithAdd, children: ["Int32:acc", "Int32:i"], mode: CheckOverflow, origin: 1}
      - {id: one, op: JSConstant, value: 1}
      - {id: inc, op: ArithAdd, children: ["Int32:i", "Int32:one"], mode: CheckOverflow, origin: 2}
      - {op: Upsilon, children: ["Int32:inc"], phi: i}
      - {op: Upsilon, children: ["Int32:next"], phi: acc}
      - {op: Jump, targets: [1]}
  - nodes:
      - {op: Return, children: ["Untyped:acc"], origin: 3}
`

func main() {
	flag.Parse()

	c := config.Default()
	if *configPath != "" {
		var err error
		if c, err = config.LoadFile(*configPath); err != nil {
			fmt.Printf("config error: %s\n", err)
			os.Exit(1)
		}
	}
	logger := log.NewLogger(log.DiscardHandler())

	g, err := mir.LoadString(source)
	if err != nil {
		fmt.Printf("graph error: %s\n", err)
		os.Exit(1)
	}
	rt := c.NewRuntime()
	opts := c.Options(rt, logger)
	var ids vm.IDSource

	start := time.Now()
	res, err := lower.Lower(context.Background(), g, rt, &ids, opts)
	if err != nil {
		fmt.Printf("lower error: %s\n", err)
		os.Exit(1)
	}

	switch *phase {
	case "lower":
		start = time.Now()
		for i := 0; i < *iterations; i++ {
			if _, err := lower.Lower(context.Background(), g, rt, &ids, opts); err != nil {
				fmt.Printf("lower error: %s\n", err)
				os.Exit(1)
			}
		}
	case "run":
		s := repl.NewSession(c, logger)
		if err := s.LoadGraph(os.Stdout, g); err != nil {
			fmt.Printf("lower error: %s\n", err)
			os.Exit(1)
		}
		args, _ := repl.ParseValues([]string{"100"})
		start = time.Now()
		for i := 0; i < *iterations; i++ {
			if err := s.Run(io.Discard, args); err != nil {
				fmt.Printf("run error: %s\n", err)
				os.Exit(1)
			}
		}
	default:
		fmt.Printf("unknown phase %q\n", *phase)
		os.Exit(2)
	}
	duration := time.Since(start)

	fmt.Printf("phase=%s, iterations=%d, exits=%d, duration=%s, per-iteration=%s\n",
		*phase, *iterations, len(res.Exits), duration, duration/time.Duration(max(*iterations, 1)))
}
