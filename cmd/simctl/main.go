// Command simctl is the operator tool for the settlement engine: it
// validates ruleset files, seeds reference quotes into Redis and inspects
// the audit ledger.
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(&rulesCmd{}, "rules")
	commander.Register(&verifyAuditCmd{}, "audit")
	commander.Register(&auditCmd{}, "audit")
	commander.Register(&quoteCmd{}, "quotes")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
