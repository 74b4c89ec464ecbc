package main

import (
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"github.com/surveymill/conveyor/fault"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "conveyor.ini"

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "serve", "Serve a conveyor worker", `
Serve a conveyor worker with the provided configuration, until signaled to
exit (via SIGTERM). Pending schema migrations are applied at startup, and
in-flight records are drained for up to the shutdown grace on exit.
`, &cmdServe{})

	addCmd(parser, "migrate", "Apply pending schema migrations", `
Bring the queue store to the latest schema version. Migrations are
forward-only, applied one transaction per unit, and verified against the
checksums recorded when they were first applied.
`, &cmdMigrate{})

	addCmd(parser, "status", "Report queue, schema, and store status", `
Report record counts per status (with a per-flow breakdown), the queue
store's schema position, and the health of every configured store.
`, &cmdStatus{})

	addCmd(parser, "enqueue", "Enqueue records for processing", `
Insert pending records of a flow. Payloads are given with --payload, or as
one JSON document per line on stdin.
`, &cmdEnqueue{})

	addCmd(parser, "reset-failed", "Return failed records to pending", `
Return failed records whose retry count is below the ceiling to pending,
clearing their error messages. Retry counts are preserved so repeatedly
failing records still age out.
`, &cmdResetFailed{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	mbp.Must(err, "failed to add flags parser command")
	return cmd
}

// exitOn logs |err| and exits with its mapped code. Unlike mbp.Must it
// distinguishes configuration, migration, and unsupported-store failures
// so that supervisors can tell a fatal misconfiguration from a crash.
func exitOn(err error) {
	if err == nil {
		return
	}
	log.WithFields(log.Fields{"err": err, "fatal": fault.Fatal(err)}).Error("conveyord failed")
	os.Exit(fault.ExitCode(err))
}
