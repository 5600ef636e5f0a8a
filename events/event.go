// Package events carries what a fuzzing client finds to its monitor and to
// the other clients, and keeps restartable clients resumable.
package events

import (
	"fmt"
	"time"

	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/observer"
)

// Kind identifies an event.
type Kind uint8

const (
	KindNewTestcase Kind = iota + 1
	KindObjective
	KindExecStats
	KindUserStats
	KindHeartbeat
	KindLog
	KindStop
)

func (k Kind) String() string {
	switch k {
	case KindNewTestcase:
		return "Testcase"
	case KindObjective:
		return "Objective"
	case KindExecStats:
		return "Stats"
	case KindUserStats:
		return "UserStats"
	case KindHeartbeat:
		return "Heartbeat"
	case KindLog:
		return "Log"
	case KindStop:
		return "Stop"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Event is a transient message. Only the fields relevant to its kind are set.
type Event struct {
	Kind   Kind
	Client uint32

	Input    []byte
	Exit     executor.ExitKind
	Readings *observer.Readings

	CorpusSize    uint64
	ObjectiveSize uint64
	Executions    uint64
	Time          time.Time

	// Name and Value carry a user stat; Name alone carries a log message.
	Name  string
	Value float64
	Level uint8
}

func NewTestcase(client uint32, input []byte, readings *observer.Readings, corpusSize, execs uint64) *Event {
	return &Event{
		Kind:       KindNewTestcase,
		Client:     client,
		Input:      input,
		Readings:   readings,
		CorpusSize: corpusSize,
		Executions: execs,
		Time:       time.Now(),
	}
}

func Objective(client uint32, input []byte, exit executor.ExitKind, objectiveSize, execs uint64) *Event {
	return &Event{
		Kind:          KindObjective,
		Client:        client,
		Input:         input,
		Exit:          exit,
		ObjectiveSize: objectiveSize,
		Executions:    execs,
		Time:          time.Now(),
	}
}

func ExecStats(client uint32, corpusSize, objectiveSize, execs uint64) *Event {
	return &Event{
		Kind:          KindExecStats,
		Client:        client,
		CorpusSize:    corpusSize,
		ObjectiveSize: objectiveSize,
		Executions:    execs,
		Time:          time.Now(),
	}
}

func UserStats(client uint32, name string, value float64) *Event {
	return &Event{Kind: KindUserStats, Client: client, Name: name, Value: value, Time: time.Now()}
}

func Stop() *Event { return &Event{Kind: KindStop, Time: time.Now()} }
