package main

import (
	"fmt"

	mbp "go.gazette.dev/core/mainboilerplate"
)

type cmdResetFailed struct {
	baseConfig

	MaxRetries int `long:"max-retries" env:"MAX_RETRIES" default:"3" description:"Only records below this retry count are reset"`
}

func (cmd cmdResetFailed) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	exitOn(cmd.reset())
	return nil
}

func (cmd cmdResetFailed) reset() error {
	var rt, err = openRuntime(cmd.resolve())
	if err != nil {
		return err
	}
	defer rt.close()

	var ctx, cancel = rt.queryContext()
	defer cancel()

	count, err := rt.engine.ResetFailed(ctx, cmd.Flow, cmd.MaxRetries)
	if err != nil {
		return err
	}

	var scope = "all flows"
	if cmd.Flow != "" {
		scope = fmt.Sprintf("flow %s", cmd.Flow)
	}
	fmt.Printf("reset %d failed records of %s to pending\n", count, scope)
	return nil
}
