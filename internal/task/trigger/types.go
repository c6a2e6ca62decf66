// Package trigger submits task descriptors on recurring or one-shot
// schedules (cron expressions, intervals, fixed times).
//
// It only decides when to submit. Execution, retries and persistence belong
// to the scheduler the descriptors are submitted to.
package trigger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

// Submitter is the part of the scheduler a trigger needs.
type Submitter interface {
	Submit(d task.Descriptor) (string, error)
	Get(id string) (task.Record, error)
}

// Overlap decides what a tick does while the previous submission of the
// same trigger has not reached a terminal status.
type Overlap int

const (
	// OverlapSkip drops the tick. It is the default.
	OverlapSkip Overlap = iota
	// OverlapAllow submits regardless.
	OverlapAllow
)

func (o Overlap) String() string {
	if o == OverlapAllow {
		return "allow"
	}
	return "skip"
}

func (o Overlap) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func ParseOverlap(s string) (Overlap, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return OverlapSkip, nil
	case "allow":
		return OverlapAllow, nil
	default:
		return OverlapSkip, fmt.Errorf("unknown overlap policy %q (use skip or allow)", s)
	}
}

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
}

// Spec is one named trigger as it appears in configuration.
type Spec struct {
	Name       string
	Schedule   string
	Overlap    Overlap
	Descriptor task.Descriptor
}

type triggerDef struct {
	name       string
	spec       string // cron spec or @every
	descriptor task.Descriptor
	overlap    Overlap
	entryID    cron.EntryID

	// mu guards lastID, the record submitted by the previous tick.
	mu     sync.Mutex
	lastID string
}

type onceDef struct {
	at         time.Time
	descriptor task.Descriptor
	timer      *time.Timer
	ver        uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus
	sub Submitter

	parser cron.Parser
	c      *cron.Cron
	defs   []*triggerDef

	// Submit error throttling: key is trigger name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	// One-shot definitions survive Stop; their timers do not.
	tmu  sync.Mutex
	once map[string]*onceDef
	ver  uint64
}

// Info describes a registered trigger.
type Info struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Overlap  Overlap   `json:"overlap"`
	TaskName string    `json:"task_name"`
	LastID   string    `json:"last_id,omitempty"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev"`
}
