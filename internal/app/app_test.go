package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"taskd/internal/config"
	"taskd/internal/storage"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "taskd.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestAppRunsPlanAndPersists(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "state.json")
	cfgPath := writeConfig(t, dir, `
logging:
  level: error
scheduler:
  workers: 2
  snapshot_every: "off"
retry:
  base: 1ms
  max_delay: 5ms
storage:
  driver: file
  path: `+state+`
`)

	calls := 0
	a, err := NewApp(cfgPath, WithCustomExecutor(task.ExecutorFunc(func(ctx context.Context, d task.Descriptor) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`"custom"`), nil
	})))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	ids, err := a.SubmitPlan([]task.Descriptor{
		{Name: "a", Kind: task.KindEcho, Params: json.RawMessage(`{"v":1}`)},
		{Name: "b", Kind: task.KindCustom, Dependencies: []string{"a"}},
		{Name: "bad", Kind: task.KindCommand}, // command executor disabled
	})
	if err == nil {
		t.Fatal("plan with an unregistered kind accepted")
	}
	if len(ids) != 2 {
		t.Fatalf("accepted ids = %v", ids)
	}

	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rec, err := a.Controller().Wait(waitCtx, ids[1])
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if rec.Status != task.StatusCompleted || string(rec.Result) != `"custom"` {
		t.Fatalf("b = %s result %s", rec.Status, rec.Result)
	}

	stopCtx, stopCancel := context.WithTimeout(ctx, 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if calls != 1 {
		t.Fatalf("custom executor calls = %d", calls)
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: state}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()
	snap, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Tasks) != 2 || snap.Counters.Completed != 2 {
		t.Fatalf("snapshot = %d tasks, counters %+v", len(snap.Tasks), snap.Counters)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"storage driver": "storage: {driver: redis}\n",
		"sqlite path":    "storage: {driver: sqlite}\n",
		"duration":       "retry: {base: fast}\n",
		"jitter":         "retry: {jitter: 2}\n",
		"workers":        "scheduler: {workers: -1}\n",
		"log level":      "logging: {level: loud}\n",
		"trigger cron":   "triggers:\n  - {name: t, schedule: '99 * * * *', task: {kind: echo}}\n",
		"trigger dup":    "triggers:\n  - {name: t, schedule: 5m}\n  - {name: t, schedule: 6m}\n",
		"overlap":        "triggers:\n  - {name: t, schedule: 5m, overlap: queue}\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewApp(writeConfig(t, t.TempDir(), body)); err == nil {
				t.Fatal("NewApp accepted an invalid config")
			}
		})
	}
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	cfg.Scheduler.Workers = 3
	cfg.Scheduler.TaskTimeout = "30s"
	cfg.Scheduler.SnapshotEvery = "off"
	cfg.Retry.Base = "2s"

	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		t.Fatalf("mapSchedulerConfig: %v", err)
	}
	if sc.Engine.Workers != 3 || sc.Engine.TaskTimeout != 30*time.Second {
		t.Fatalf("engine = %+v", sc.Engine)
	}
	if sc.SnapshotEvery >= 0 {
		t.Fatalf("snapshot_every off mapped to %v", sc.SnapshotEvery)
	}
	if sc.Retry.Base != 2*time.Second {
		t.Fatalf("retry = %+v", sc.Retry)
	}

	cfg.Scheduler.SnapshotEvery = "1m"
	if sc, _ := mapSchedulerConfig(cfg); sc.SnapshotEvery != time.Minute {
		t.Fatalf("snapshot_every = %v", sc.SnapshotEvery)
	}
}

func TestMapTriggerSpecsDefaultsTaskName(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	cfg.Triggers = []config.TriggerConfig{{Name: "hourly", Schedule: "@hourly", Task: task.Descriptor{Kind: task.KindEcho}}}
	specs, err := mapTriggerSpecs(cfg)
	if err != nil {
		t.Fatalf("mapTriggerSpecs: %v", err)
	}
	if len(specs) != 1 || specs[0].Descriptor.Name != "hourly" {
		t.Fatalf("specs = %+v", specs)
	}
}

func TestStopReasonFromSignal(t *testing.T) {
	t.Parallel()
	if got := StopReasonFromSignal(os.Interrupt); got != StopSIGINT {
		t.Fatalf("os.Interrupt -> %s", got)
	}
	if got := StopReasonFromSignal(os.Kill); got != StopUnknown {
		t.Fatalf("os.Kill -> %s", got)
	}
}
