package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/surveymill/conveyor/fault"
	mbp "go.gazette.dev/core/mainboilerplate"
)

type cmdEnqueue struct {
	baseConfig

	Payloads []string `long:"payload" short:"p" description:"JSON payload to enqueue; may be repeated. When absent, payloads are read from stdin, one per line"`
}

func (cmd cmdEnqueue) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)

	exitOn(cmd.enqueue())
	return nil
}

func (cmd cmdEnqueue) enqueue() error {
	if cmd.Flow == "" {
		return fmt.Errorf("missing 'flow': %w", fault.ErrConfigInvalid)
	}

	var payloads, err = cmd.collect()
	if err != nil {
		return err
	}
	if len(payloads) == 0 {
		return fmt.Errorf("no payloads given: %w", fault.ErrConfigInvalid)
	}

	rt, err := openRuntime(cmd.resolve())
	if err != nil {
		return err
	}
	defer rt.close()

	var ctx, cancel = rt.queryContext()
	defer cancel()

	count, err := rt.engine.Enqueue(ctx, cmd.Flow, payloads)
	if err != nil {
		return err
	}
	fmt.Printf("enqueued %d records of flow %s\n", count, cmd.Flow)
	return nil
}

func (cmd cmdEnqueue) collect() ([]json.RawMessage, error) {
	var raw = cmd.Payloads

	if len(raw) == 0 {
		var scanner = bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				raw = append(raw, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
	}

	var payloads = make([]json.RawMessage, 0, len(raw))
	for i, p := range raw {
		if !json.Valid([]byte(p)) {
			return nil, fmt.Errorf("payload %d is not valid JSON: %w", i, fault.ErrConfigInvalid)
		}
		payloads = append(payloads, json.RawMessage(p))
	}
	return payloads, nil
}
