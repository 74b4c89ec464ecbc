package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
)

type cmdMigrate struct {
	baseConfig
}

func (cmd cmdMigrate) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	exitOn(cmd.migrate())
	return nil
}

func (cmd cmdMigrate) migrate() error {
	var rt, err = openRuntime(cmd.resolve())
	if err != nil {
		return err
	}
	defer rt.close()

	var ctx, cancel = rt.queryContext()
	defer cancel()

	status, err := rt.runner.Status(ctx)
	if err != nil {
		return err
	}
	if len(status.PendingVersions) == 0 {
		fmt.Printf("schema is current at %s\n", orNone(status.CurrentVersion))
		return nil
	}

	if err = rt.runner.Migrate(ctx); err != nil {
		return err
	}
	if status, err = rt.runner.Status(ctx); err != nil {
		return err
	}
	log.WithField("version", status.CurrentVersion).Info("migrations applied")
	fmt.Printf("schema migrated to %s\n", status.CurrentVersion)
	return nil
}

func orNone(version string) string {
	if version == "" {
		return "(none)"
	}
	return version
}
