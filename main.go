package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/term"

	"jitlower/config"
	"jitlower/repl"
)

const usage = "Usage: jitlower [-config file] [-verbosity level] [lower|run|exits|help] [filename] [value...]"

var (
	configPath = flag.String("config", "", "configuration file")
	verbosity  = flag.String("verbosity", "", "log level, overrides the configuration")
)

func main() {
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	c, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %s\n", err)
		os.Exit(1)
	}
	setupLogging(os.Stderr, c)
	s := repl.NewSession(c, log.Root())

	args := flag.Args()
	if len(args) == 0 {
		// no command, run the repl
		repl.Start(os.Stdin, os.Stdout, s)
		return
	}

	switch args[0] {
	case "lower":
		err = command(s, args, "ir")
	case "exits":
		err = command(s, args, "exits")
	case "run":
		err = command(s, args, "run")
	case "help":
		fmt.Println(usage)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

// command loads the graph named by args[1] and runs one repl command on it.
func command(s *repl.Session, args []string, cmd string) error {
	if len(args) < 2 {
		return fmt.Errorf("%s needs a filename", args[0])
	}
	if err := s.Load(io.Discard, args[1]); err != nil {
		return err
	}
	return s.Execute(os.Stdout, cmd, args[2:])
}

func loadConfig() (*config.Config, error) {
	c := config.Default()
	if *configPath != "" {
		var err error
		if c, err = config.LoadFile(*configPath); err != nil {
			return nil, err
		}
	}
	if *verbosity != "" {
		c.LogLevel = *verbosity
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func setupLogging(w *os.File, c *config.Config) {
	lvl, _ := c.Level()
	useColor := term.IsTerminal(int(w.Fd()))
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(w, lvl, useColor)))
}
