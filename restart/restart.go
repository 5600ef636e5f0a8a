// Package restart keeps a fuzzing client alive across crashes of the
// target: a supervisor respawns the client process, and the client resumes
// from the last state snapshot, recording the input that killed its
// predecessor as a solution.
package restart

// Exit statuses a client uses to tell its supervisor why it ended.
const (
	// ExitShuttingDown reports a cooperative stop; the supervisor stops too.
	ExitShuttingDown = 101
	// ExitCorruptState means the snapshot could not be decoded. Respawning
	// would fail the same way.
	ExitCorruptState = 102
	// ExitTimeout is used by the in-process watchdog when the target hung.
	ExitTimeout = 103
	// ExitSetupFailed means the client could not start at all.
	ExitSetupFailed = 104
	// ExitFailed means the fuzzing loop hit an error a respawn would repeat,
	// such as an unwritable solutions directory.
	ExitFailed = 105
)

// Environment handed from the supervisor to its client.
const (
	EnvRole     = "COVFUZZ_ROLE"
	EnvState    = "COVFUZZ_STATE"
	EnvChanOut  = "COVFUZZ_CHAN_OUT"
	EnvChanIn   = "COVFUZZ_CHAN_IN"
	EnvClient   = "COVFUZZ_CLIENT"
	EnvCore     = "COVFUZZ_CORE"
	EnvLastExit = "COVFUZZ_LAST_EXIT"
	EnvRestarts = "COVFUZZ_RESTARTS"

	RoleClient = "client"
)
