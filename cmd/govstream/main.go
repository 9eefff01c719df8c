package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

// exitError carries a process exit code for outcomes that are not program
// errors, such as a FAILED or CANCELLED session.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
func (e *exitError) ExitCode() int { return e.code }

// options are the global flags.
type options struct {
	configPath string
	baseURL    string
	plain      bool
	ascii      bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			if err.Error() != "" {
				fmt.Fprintln(os.Stderr, err)
			}
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	var opts options

	flagSet := pflag.NewFlagSet("govstream", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.configPath, "config", "c", "config.yaml", "config file path")
	flagSet.StringVar(&opts.baseURL, "base-url", "", "override stream.base_url")
	flagSet.BoolVar(&opts.plain, "plain", false, "print line output instead of the interactive console")
	flagSet.BoolVar(&opts.ascii, "ascii", false, "use ASCII status symbols")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(stdout, flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printUsage(stdout, flagSet)
		return nil
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(stderr, flagSet)
		return &exitError{code: 2}
	}

	switch rest[0] {
	case "warmup", "refine":
		if len(rest) != 2 {
			return fmt.Errorf("usage: govstream %s <id>", rest[0])
		}
		return runStream(rest[0], rest[1], opts, stdout, stderr)
	case "encrypt":
		if len(rest) != 2 {
			return fmt.Errorf("usage: govstream encrypt <value>")
		}
		return runEncrypt(rest[1], stdout)
	case "help":
		printUsage(stdout, flagSet)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\n\nRun 'govstream --help' for usage information", rest[0])
	}
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprint(w, `govstream - follow model warm-up and AI refinement progress streams

USAGE:
    govstream [FLAGS] COMMAND

COMMANDS:
    warmup <model-id>       Stream warm-up logs for a model
    refine <session-id>     Stream an AI refinement session
    encrypt <value>         Encrypt a secret for the config file
                            (passphrase from GOVSTREAM_CONFIG_KEY)
    help                    Show this help message

FLAGS:
`)
	fmt.Fprint(w, flagSet.FlagUsages())
	fmt.Fprint(w, `
CONFIGURATION:
    Config file: ./config.yaml
    Environment: GOVSTREAM_* variables override config

EXIT STATUS:
    0 succeeded, 1 failed, 130 cancelled
`)
}
