package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

// maxReplaySteps bounds how many commands one replay may drive. A machine
// that loops without issuing decisions is a bug, not a long workflow.
const maxReplaySteps = 10_000

// positioned is a history event with its index in the history.
type positioned struct {
	pos int
	ev  api.HistoryEvent
}

// historyIndex groups a history by sequence number for replay.
type historyIndex struct {
	startedAt time.Time
	scheduled map[int]positioned
	results   map[int]positioned
	timers    map[int]positioned
	fired     map[int]positioned
	// received holds event.received entries in history order, per name.
	received  map[string][]positioned
	completed *positioned
}

func indexHistory(history []api.HistoryEvent) (*historyIndex, error) {
	if len(history) == 0 || history[0].Type != api.EventOrchestratorStarted {
		return nil, errors.New("history does not begin with orchestrator.started")
	}
	idx := &historyIndex{
		startedAt: history[0].At,
		scheduled: make(map[int]positioned),
		results:   make(map[int]positioned),
		timers:    make(map[int]positioned),
		fired:     make(map[int]positioned),
		received:  make(map[string][]positioned),
	}
	for i, ev := range history {
		p := positioned{pos: i, ev: ev}
		switch ev.Type {
		case api.EventActivityScheduled:
			idx.scheduled[ev.Seq] = p
		case api.EventActivityCompleted, api.EventActivityFailed:
			if _, dup := idx.results[ev.Seq]; !dup {
				idx.results[ev.Seq] = p
			}
		case api.EventTimerCreated:
			idx.timers[ev.Seq] = p
		case api.EventTimerFired:
			if _, dup := idx.fired[ev.Seq]; !dup {
				idx.fired[ev.Seq] = p
			}
		case api.EventExternalEventReceived:
			idx.received[ev.Name] = append(idx.received[ev.Name], p)
		case api.EventOrchestratorCompleted:
			if idx.completed == nil {
				idx.completed = &p
			}
		}
	}
	return idx, nil
}

// pendingActivities returns the seqs of scheduled activities with no result.
func (idx *historyIndex) pendingActivities() []positioned {
	var out []positioned
	for seq, p := range idx.scheduled {
		if _, done := idx.results[seq]; !done {
			out = append(out, p)
		}
	}
	return out
}

// unfiredTimers returns timers created but not yet fired.
func (idx *historyIndex) unfiredTimers() []positioned {
	var out []positioned
	for seq, p := range idx.timers {
		if _, done := idx.fired[seq]; !done {
			out = append(out, p)
		}
	}
	return out
}

// decision is the outcome of one replay.
type decision struct {
	// event is the decision to append, nil when the machine is waiting or
	// the instance already completed.
	event *api.HistoryEvent
	// seq is the sequence number the pending command consumed.
	seq int
}

// replayer drives a machine over a recorded history.
type replayer struct {
	idx      *historyIndex
	machine  api.Machine
	consumed map[string]int
	seq      int
	now      time.Time
}

// decide rebuilds the machine from the instance input and history and
// returns the single next decision, if any. now stamps the new event only;
// the machine never observes it.
func decide(def api.WorkflowDefinition, inst *api.WorkflowInstance, now time.Time) (decision, error) {
	idx, err := indexHistory(inst.History)
	if err != nil {
		return decision{}, err
	}
	m, err := def.New(inst.Input, idx.startedAt)
	if err != nil {
		return decision{}, fmt.Errorf("build %s machine: %w", def.Name, err)
	}

	r := &replayer{idx: idx, machine: m, consumed: make(map[string]int), now: now}
	for range maxReplaySteps {
		cmd := r.machine.Next()
		var (
			d        decision
			resolved *api.Outcome
		)
		switch cmd.Kind {
		case api.CommandCallActivity:
			d, resolved, err = r.callActivity(cmd)
		case api.CommandAwaitEvent:
			d, resolved, err = r.awaitEvent(cmd)
		case api.CommandComplete:
			return r.complete(cmd)
		default:
			return decision{}, fmt.Errorf("%w: unknown command kind %d", api.ErrNonDeterministic, cmd.Kind)
		}
		if err != nil {
			return decision{}, err
		}
		if resolved == nil {
			return d, nil
		}
		if err := r.machine.Resume(*resolved); err != nil {
			return decision{}, fmt.Errorf("resume %s at seq %d: %w", def.Name, r.seq, err)
		}
	}
	return decision{}, fmt.Errorf("replay of %s exceeded %d steps", inst.ID, maxReplaySteps)
}

func (r *replayer) callActivity(cmd api.Command) (decision, *api.Outcome, error) {
	r.seq++
	seq := r.seq

	sched, ok := r.idx.scheduled[seq]
	if !ok {
		if _, clash := r.idx.timers[seq]; clash {
			return decision{}, nil, fmt.Errorf("%w: seq %d recorded a timer, workflow now calls activity %q",
				api.ErrNonDeterministic, seq, cmd.Activity)
		}
		input, err := json.Marshal(cmd.Input)
		if err != nil {
			return decision{}, nil, fmt.Errorf("encode %s input: %w", cmd.Activity, err)
		}
		ev := api.ActivityScheduled(r.now, seq, cmd.Activity, input)
		return decision{event: &ev, seq: seq}, nil, nil
	}
	if sched.ev.Name != cmd.Activity {
		return decision{}, nil, fmt.Errorf("%w: seq %d recorded activity %q, workflow now calls %q",
			api.ErrNonDeterministic, seq, sched.ev.Name, cmd.Activity)
	}

	res, ok := r.idx.results[seq]
	if !ok {
		return decision{seq: seq}, nil, nil
	}
	out := &api.Outcome{At: res.ev.At}
	if res.ev.Type == api.EventActivityFailed {
		out.Err = res.ev.Failure
		if out.Err == nil {
			out.Err = &api.FailureDetails{Message: "activity failed", ErrorType: api.ErrorTypeActivity}
		}
	} else {
		out.Result = res.ev.Payload
	}
	return decision{}, out, nil
}

// nextEvent returns the first unconsumed event.received with the name.
func (r *replayer) nextEvent(name string) (positioned, bool) {
	list := r.idx.received[name]
	i := r.consumed[name]
	if i >= len(list) {
		return positioned{}, false
	}
	return list[i], true
}

func (r *replayer) awaitEvent(cmd api.Command) (decision, *api.Outcome, error) {
	r.seq++
	seq := r.seq

	if _, clash := r.idx.scheduled[seq]; clash {
		return decision{}, nil, fmt.Errorf("%w: seq %d recorded activity, workflow now waits for %q",
			api.ErrNonDeterministic, seq, cmd.Event)
	}

	ev, haveEvent := r.nextEvent(cmd.Event)
	timer, haveTimer := r.idx.timers[seq]

	if !haveTimer {
		if haveEvent {
			// Buffered before the wait was reached: no timer needed.
			r.consumed[cmd.Event]++
			return decision{}, &api.Outcome{At: ev.ev.At, Event: ev.ev.Payload}, nil
		}
		if cmd.Deadline.IsZero() {
			return decision{seq: seq}, nil, nil
		}
		created := api.TimerCreated(r.now, seq, cmd.Deadline)
		return decision{event: &created, seq: seq}, nil, nil
	}

	if !timer.ev.FireAt.Equal(cmd.Deadline) && !cmd.Deadline.IsZero() {
		return decision{}, nil, fmt.Errorf("%w: seq %d recorded deadline %s, workflow now asks for %s",
			api.ErrNonDeterministic, seq, timer.ev.FireAt, cmd.Deadline)
	}

	fired, haveFired := r.idx.fired[seq]
	switch {
	case haveEvent && (!haveFired || ev.pos < fired.pos):
		r.consumed[cmd.Event]++
		return decision{}, &api.Outcome{At: ev.ev.At, Event: ev.ev.Payload}, nil
	case haveFired:
		return decision{}, &api.Outcome{At: fired.ev.At, TimedOut: true}, nil
	}
	return decision{seq: seq}, nil, nil
}

func (r *replayer) complete(cmd api.Command) (decision, error) {
	if r.idx.completed != nil {
		return decision{}, nil
	}
	var output json.RawMessage
	if cmd.Output != nil {
		data, err := json.Marshal(cmd.Output)
		if err != nil {
			return decision{}, fmt.Errorf("encode output: %w", err)
		}
		output = data
	}
	ev := api.OrchestratorCompleted(r.now, output, cmd.Failure)
	return decision{event: &ev}, nil
}
