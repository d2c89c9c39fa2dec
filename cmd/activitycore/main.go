// Command activitycore runs the activity stream orchestration service and a
// thin client for it.
//
// Usage:
//
//	activitycore serve --config config.yaml
//	activitycore chat "what changed in the last release?"
//	activitycore resume <session-id>
//	activitycore list-sessions
//	activitycore cancel <session-id>
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/agenticwork/activitycore/pkg/logger"
)

// Exit codes of the CLI contract.
const (
	exitOK        = 0
	exitConfig    = 2
	exitAuth      = 3
	exitToolFatal = 4
)

type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, msg: fmt.Sprintf(format, args...)}
}

// CLI defines the command-line interface.
type CLI struct {
	Serve        ServeCmd        `cmd:"" help:"Start the orchestration server."`
	Chat         ChatCmd         `cmd:"" help:"Send a prompt and stream the reply."`
	Resume       ResumeCmd       `cmd:"" help:"Print the transcript of a session."`
	ListSessions ListSessionsCmd `cmd:"" name:"list-sessions" help:"List stored sessions."`
	Cancel       CancelCmd       `cmd:"" help:"Cancel an in-flight session."`

	Server    string `help:"Server base URL for client commands." default:"http://localhost:8080" env:"ACTIVITYCORE_SERVER"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("activitycore"),
		kong.Description("Activity stream orchestration core"),
		kong.UsageOnError(),
	)

	logger.Init(logger.Options{Level: cli.LogLevel, Format: cli.LogFormat})

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
