package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"
	mbp "go.gazette.dev/core/mainboilerplate"
)

var green = color.New(color.FgGreen).SprintFunc()
var yellow = color.New(color.FgYellow).SprintFunc()
var red = color.New(color.FgRed).SprintFunc()
var bold = color.New(color.Bold).SprintFunc()

type cmdStatus struct {
	baseConfig
}

func (cmd cmdStatus) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	exitOn(cmd.status())
	return nil
}

func (cmd cmdStatus) status() error {
	var rt, err = openRuntime(cmd.resolve())
	if err != nil {
		return err
	}
	defer rt.close()

	var ctx, cancel = rt.queryContext()
	defer cancel()

	schema, err := rt.runner.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Println(bold("Schema"))
	fmt.Printf("  current version: %s\n", orNone(schema.CurrentVersion))
	if len(schema.PendingVersions) != 0 {
		fmt.Printf("  pending:         %s\n", yellow(strings.Join(schema.PendingVersions, ", ")))
	}

	status, err := rt.engine.Status(ctx, cmd.Flow)
	if err != nil {
		return err
	}
	fmt.Println(bold("Queue"))
	fmt.Printf("  pending %d / processing %d / completed %s / failed %s (total %d)\n",
		status.Pending, status.Processing,
		green(status.Completed), colorFailed(status.Failed), status.Total)

	var flows []string
	for flow := range status.Flows {
		flows = append(flows, flow)
	}
	sort.Strings(flows)
	for _, flow := range flows {
		var c = status.Flows[flow]
		fmt.Printf("  %-24s pending %d / processing %d / completed %s / failed %s\n",
			flow, c.Pending, c.Processing, green(c.Completed), colorFailed(c.Failed))
	}

	fmt.Println(bold("Stores"))
	var health = rt.access.HealthAll(ctx)
	for _, name := range rt.access.Names() {
		var h = health[name]
		if h.Connected && h.QueryOK {
			fmt.Printf("  %-16s %s (%dms)\n", name, green("ok"), h.ResponseMS)
		} else {
			fmt.Printf("  %-16s %s: %s\n", name, red("failed"), h.Error)
		}
	}
	return nil
}

func colorFailed(n int) string {
	if n == 0 {
		return green(n)
	}
	return red(n)
}
