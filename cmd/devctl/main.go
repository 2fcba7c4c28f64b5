// Command devctl manages console devices from the terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

const usage = `usage: devctl [flags] <command> [args]

commands:
  list [keyword]                      list devices
  script                              show add-device script info
  exec <id> [flags] -- <cmd> [args]   run a command on a device
  describe <id> <text>                set a device description
  delete <id>                         remove a device
  token                               mint a bearer token from auth_secret

flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "devctl: %v\n", err)
		os.Exit(1)
	}
}

func newFlagSet(stderr io.Writer) *pflag.FlagSet {
	flags := pflag.NewFlagSet("devctl", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprint(stderr, usage)
		flags.PrintDefaults()
	}

	flags.String("config-file", "", "optional config file (yaml, json, toml)")
	flags.String("base-url", "", "console base URL")
	flags.String("api-token", "", "bearer token sent with every request")
	flags.Int64("http-timeout-seconds", 0, "request timeout in seconds")
	flags.StringP("output", "o", "", "output format (json, yaml)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Bool("debug", false, "log HTTP requests and responses")

	flags.String("group", "", "exec: command group")
	flags.Bool("wait", false, "exec: wait until the command is delivered")
	flags.String("user", "", "exec: device login user")
	flags.String("password", "", "exec: device login password")
	flags.String("subject", "devctl", "token: subject claim")
	return flags
}
