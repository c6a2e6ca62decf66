package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskd/internal/task"
)

// Echo returns its params as the result. A few optional params make it
// useful for plans and smoke tests:
//
//	{"delay": "2s"}            sleep before answering (honours ctx)
//	{"error": "msg"}           fail the attempt
//	{"error": "msg", "fatal": true}
type Echo struct{}

type echoParams struct {
	Delay string `json:"delay"`
	Error string `json:"error"`
	Fatal bool   `json:"fatal"`
}

func (Echo) Execute(ctx context.Context, d task.Descriptor) (json.RawMessage, error) {
	var p echoParams
	if len(d.Params) > 0 && d.Params[0] == '{' {
		if err := json.Unmarshal(d.Params, &p); err != nil {
			return nil, task.Fatal(fmt.Errorf("echo params: %w", err))
		}
	}
	if p.Delay != "" {
		delay, err := time.ParseDuration(p.Delay)
		if err != nil {
			return nil, task.Fatal(fmt.Errorf("echo delay: %w", err))
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if p.Error != "" {
		err := errors.New(p.Error)
		if p.Fatal {
			return nil, task.Fatal(err)
		}
		return nil, err
	}
	if len(d.Params) == 0 {
		return json.RawMessage(`null`), nil
	}
	return append(json.RawMessage(nil), d.Params...), nil
}
