package fsm

// State is a node in the maintenance state machine.
type State int

const (
	StateInit State = iota
	StateOperational
	StateMaintWait
	StateUploadPrep
	StateUploading
	StateVerify
	StateSave
	StateTeardown
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateOperational:
		return "OPERATIONAL"
	case StateMaintWait:
		return "MAINT_WAIT"
	case StateUploadPrep:
		return "UPLOAD_PREP"
	case StateUploading:
		return "UPLOADING"
	case StateVerify:
		return "VERIFY"
	case StateSave:
		return "SAVE"
	case StateTeardown:
		return "TEARDOWN"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// ops bundles the work attached to a state. enter runs once on
// transition into the state, run once per poll tick, exit once on the
// way out. Any of the three may be nil.
type ops struct {
	enter func(*Controller) error
	run   func(*Controller) (State, error)
	exit  func(*Controller) error
}

var stateOps = map[State]ops{
	StateInit:        {enter: enterInit, run: runInit},
	StateOperational: {run: runOperational},
	StateMaintWait:   {enter: enterMaintWait, run: runMaintWait},
	StateUploadPrep:  {enter: enterUploadPrep, run: runUploadPrep},
	StateUploading:   {enter: enterUploading, run: runUploading},
	StateVerify:      {run: runVerify},
	StateSave:        {run: runSave},
	StateTeardown:    {enter: enterTeardown, run: runTeardown},
	StateError:       {enter: enterError, run: runError},
}
