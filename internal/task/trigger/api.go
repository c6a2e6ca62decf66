package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"taskd/internal/eventbus"
	"taskd/internal/task"
	logx "taskd/pkg/logx"
)

var errOverlap = errors.New("previous submission still running")

// Add parses schedule and registers a cron, interval or one-shot trigger.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - One shot: "at:2026-01-02T15:04:05+07:00"
func (s *Service) Add(sp Spec) error {
	ps, err := ParseSchedule(sp.Schedule)
	if err != nil {
		return fmt.Errorf("trigger %q: %w", sp.Name, err)
	}
	switch ps.Kind {
	case ScheduleCron:
		return s.AddCron(sp.Name, ps.Cron, sp.Descriptor, sp.Overlap)
	case ScheduleInterval:
		return s.AddInterval(sp.Name, ps.Every, sp.Descriptor, sp.Overlap)
	case ScheduleOnce:
		return s.AddOnce(sp.Name, ps.At, sp.Descriptor)
	default:
		return fmt.Errorf("trigger %q: unsupported schedule kind", sp.Name)
	}
}

// Replace swaps every registered trigger for specs. Invalid specs are
// reported together; the valid ones are still registered.
func (s *Service) Replace(specs []Spec) error {
	for _, info := range s.Snapshot() {
		s.Remove(info.Name)
	}
	var errs []error
	for _, sp := range specs {
		if err := s.Add(sp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) AddCron(name, spec string, d task.Descriptor, overlap Overlap) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("trigger name required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("trigger %q: invalid cron spec %q: %w", name, spec, err)
	}
	return s.register(&triggerDef{name: name, spec: spec, descriptor: d.Clone(), overlap: overlap})
}

func (s *Service) AddInterval(name string, every time.Duration, d task.Descriptor, overlap Overlap) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("trigger name required")
	}
	if every <= 0 {
		return fmt.Errorf("trigger %q: interval must be > 0", name)
	}
	return s.register(&triggerDef{name: name, spec: "@every " + every.String(), descriptor: d.Clone(), overlap: overlap})
}

// AddDaily registers a trigger firing every day at HH:MM in the service
// timezone.
func (s *Service) AddDaily(name, atHHMM string, d task.Descriptor, overlap Overlap) error {
	h, m, err := parseTimeOfDay(atHHMM)
	if err != nil {
		return err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), d, overlap)
}

// register upserts by name, so hot reloads never duplicate a trigger.
func (s *Service) register(def *triggerDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(def.name)
	s.removeOnce(def.name)
	s.defs = append(s.defs, def)
	if s.c == nil {
		// Not started yet: registered with cron when Start runs.
		return nil
	}
	s.addCronLocked(def)
	if def.entryID == 0 {
		return fmt.Errorf("trigger %q: cron rejected spec %q", def.name, def.spec)
	}
	args := []logx.Field{logx.String("name", def.name), logx.String("spec", def.spec), logx.String("overlap", def.overlap.String())}
	if next := s.previewNextRunsLocked(def.spec, 3); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("trigger registered", args...)
	return nil
}

// AddOnce fires a single submission at the given time. A time in the past
// fires as soon as the service is started.
func (s *Service) AddOnce(name string, at time.Time, d task.Descriptor) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("trigger name required")
	}
	if at.IsZero() {
		return fmt.Errorf("trigger %q: time required", name)
	}

	s.mu.Lock()
	s.removeLocked(name)
	started := s.c != nil
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if old, ok := s.once[name]; ok && old.timer != nil {
		old.timer.Stop()
	}
	s.ver++
	o := &onceDef{at: at, descriptor: d.Clone(), ver: s.ver}
	s.once[name] = o
	if started {
		s.armLocked(name, o)
	}
	return nil
}

// armOnceTimers starts timers for every one-shot definition.
func (s *Service) armOnceTimers() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for name, o := range s.once {
		if o.timer == nil {
			s.armLocked(name, o)
		}
	}
}

// armLocked starts o's timer. Call with tmu held.
func (s *Service) armLocked(name string, o *onceDef) {
	ver := o.ver
	o.timer = time.AfterFunc(max(time.Until(o.at), 0), func() {
		s.tmu.Lock()
		cur, ok := s.once[name]
		if !ok || cur.ver != ver {
			// Removed or replaced meanwhile.
			s.tmu.Unlock()
			return
		}
		// Drop the definition before submitting so a restart cannot fire it
		// twice.
		delete(s.once, name)
		s.tmu.Unlock()
		s.submit(name, cur.descriptor, nil)
	})
}

// Remove unregisters every trigger with the given name and reports whether
// one existed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeLocked(name)
	s.mu.Unlock()
	removed = s.removeOnce(name) || removed
	if removed {
		s.log.Debug("trigger removed", logx.String("name", name))
	}
	return removed
}

// removeLocked drops cron/interval defs named name. Call with s.mu held.
func (s *Service) removeLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name != name {
			s.defs[n] = d
			n++
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		removed = true
	}
	clear(s.defs[n:])
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) removeOnce(name string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	o, ok := s.once[name]
	if !ok {
		return false
	}
	if o.timer != nil {
		o.timer.Stop()
	}
	delete(s.once, name)
	return true
}

// addCronLocked registers def with the running cron. Interval schedules get
// a random startup spread.
func (s *Service) addCronLocked(def *triggerDef) {
	job := cron.FuncJob(func() { s.fire(def) })
	def.entryID = 0

	if every, ok := strings.CutPrefix(def.spec, "@every"); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(every)); err == nil && d > 0 {
			sched, jitter := intervalSchedule(d, time.Now().In(s.loc))
			def.entryID = s.c.Schedule(sched, job)
			s.log.Debug("interval spread", logx.String("name", def.name), logx.Duration("first_delay", d+jitter))
			return
		}
	}
	id, err := s.c.AddJob(def.spec, job)
	if err != nil {
		s.log.Error("trigger register failed", logx.String("name", def.name), logx.String("spec", def.spec), logx.Err(err))
		return
	}
	def.entryID = id
}

// fire submits def's descriptor unless its overlap policy says to skip.
func (s *Service) fire(def *triggerDef) {
	def.mu.Lock()
	defer def.mu.Unlock()
	if def.overlap == OverlapSkip && def.lastID != "" {
		if rec, err := s.sub.Get(def.lastID); err == nil && !rec.Status.Terminal() {
			s.reportSubmitError(def.name, fmt.Errorf("%w: %s is %s", errOverlap, def.lastID, rec.Status))
			eventbus.Publish(s.bus, eventbus.Event{Type: eventbus.TriggerSkipped, TaskID: def.lastID, Data: def.name})
			return
		}
	}
	s.submit(def.name, def.descriptor, &def.lastID)
}

func (s *Service) submit(name string, d task.Descriptor, lastID *string) {
	if s.sub == nil {
		return
	}
	id, err := s.sub.Submit(d.Clone())
	if err != nil {
		s.reportSubmitError(name, err)
		return
	}
	if lastID != nil {
		*lastID = id
	}
	s.log.Debug("trigger fired", logx.String("name", name), logx.Task(id, d.Name))
	eventbus.Publish(s.bus, eventbus.Event{Type: eventbus.TriggerFired, TaskID: id, Data: name})
}

// Snapshot lists registered triggers, recurring ones first.
func (s *Service) Snapshot() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.defs))
	for _, d := range s.defs {
		it := Info{Name: d.name, Spec: d.spec, Overlap: d.overlap, TaskName: d.descriptor.Name}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		d.mu.Lock()
		it.LastID = d.lastID
		d.mu.Unlock()
		out = append(out, it)
	}
	s.mu.Unlock()

	s.tmu.Lock()
	for name, o := range s.once {
		out = append(out, Info{Name: name, Spec: "at " + o.at.Format(time.RFC3339), TaskName: o.descriptor.Name, Next: o.at})
	}
	s.tmu.Unlock()
	return out
}

// previewNextRunsLocked returns the next n run times of spec for debug
// logging. Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
