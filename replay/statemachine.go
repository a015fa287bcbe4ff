package replay

// The three lifecycle machines the projector and the incident builder share.
// States are the projected type tags themselves; "" is the pre-existence
// state.

type machineKind string

const (
	machineTask        machineKind = "task"
	machineDispute     machineKind = "dispute"
	machineSpeculation machineKind = "speculation"
)

type transitionTable struct {
	kind     machineKind
	edges    map[ProjectedType][]ProjectedType
	terminal map[ProjectedType]bool
}

var taskMachine = transitionTable{
	kind: machineTask,
	edges: map[ProjectedType][]ProjectedType{
		"":           {PtDiscovered},
		PtDiscovered: {PtClaimed, PtFailed},
		PtClaimed:    {PtCompleted, PtFailed, PtDisputed},
		PtDisputed:   {PtCompleted, PtFailed},
	},
	terminal: map[ProjectedType]bool{PtCompleted: true, PtFailed: true},
}

var disputeMachine = transitionTable{
	kind: machineDispute,
	edges: map[ProjectedType][]ProjectedType{
		"": {PtDisputeInitiated},
		PtDisputeInitiated: {
			PtDisputeVoteCast, PtDisputeResolved, PtDisputeCancelled, PtDisputeExpired,
		},
	},
	terminal: map[ProjectedType]bool{
		PtDisputeResolved: true, PtDisputeCancelled: true, PtDisputeExpired: true,
	},
}

var speculationMachine = transitionTable{
	kind: machineSpeculation,
	edges: map[ProjectedType][]ProjectedType{
		"":                   {PtSpeculationStarted},
		PtSpeculationStarted: {PtSpeculationConfirmed, PtSpeculationAborted},
	},
	terminal: map[ProjectedType]bool{
		PtSpeculationConfirmed: true, PtSpeculationAborted: true,
	},
}

func (t transitionTable) allows(from, to ProjectedType) bool {
	for _, next := range t.edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stateOutcome classifies a transition attempt.
type stateOutcome int

const (
	transitionOK stateOutcome = iota
	// transitionConflict: the entity is already terminal, or the attempt
	// re-enters the current state (two completions of one task).
	transitionConflict
	// transitionViolation: the attempt skips a required predecessor.
	transitionViolation
)

// machineState tracks per-entity lifecycle positions during a projection or
// incident walk.
type machineState struct {
	table transitionTable
	cur   map[string]ProjectedType
}

func newMachineState(table transitionTable) *machineState {
	return &machineState{table: table, cur: make(map[string]ProjectedType)}
}

// apply attempts entity → to. On vote-style self-loops the state is kept;
// otherwise legal transitions advance it. Illegal transitions never advance
// the recorded state.
func (m *machineState) apply(entity string, to ProjectedType) (from ProjectedType, outcome stateOutcome) {
	from = m.cur[entity]
	if m.table.allows(from, to) {
		if to != PtDisputeVoteCast {
			m.cur[entity] = to
		}
		return from, transitionOK
	}
	if m.table.terminal[from] || from == to {
		return from, transitionConflict
	}
	return from, transitionViolation
}

func (m *machineState) state(entity string) ProjectedType {
	return m.cur[entity]
}
