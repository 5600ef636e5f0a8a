package executor

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alma.local/covfuzz/observer"
)

func newObservers() (*observer.Set, *observer.HitcountsMap, *observer.TimeObserver) {
	m := observer.NewHitcountsMap("edges", 64)
	tm := observer.NewTimeObserver("time")
	return observer.MustSet(m, tm), m, tm
}

func TestInProcessRecordsCoverage(t *testing.T) {
	obs, m, tm := newObservers()
	tick := time.Unix(0, 0)
	clock := func() time.Time {
		tick = tick.Add(time.Millisecond)
		return tick
	}
	e := NewInProcess(func(in []byte) ExitKind {
		for _, b := range in {
			observer.Hit(uint32(b))
		}
		return Ok
	}, obs, WithClock(clock))

	exit, err := e.Run(context.Background(), []byte{1, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, Ok, exit)
	assert.Equal(t, byte(1), m.Usable()[1])
	assert.Equal(t, byte(2), m.Usable()[2])
	assert.Equal(t, time.Millisecond, tm.Last())

	// the map is cleared between runs
	_, err = e.Run(context.Background(), []byte{3})
	require.NoError(t, err)
	assert.Equal(t, 1, m.CountNonZero())
}

func TestInProcessPanicIsCrash(t *testing.T) {
	obs, _, _ := newObservers()
	e := NewInProcess(func(in []byte) ExitKind {
		if len(in) > 0 && in[0] == '!' {
			panic("boom")
		}
		return Ok
	}, obs)

	exit, err := e.Run(context.Background(), []byte("!"))
	require.NoError(t, err)
	assert.Equal(t, Crash, exit)

	exit, err = e.Run(context.Background(), []byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, Ok, exit)
}

func TestInProcessTimeout(t *testing.T) {
	obs, _, _ := newObservers()
	release := make(chan struct{})
	defer close(release)
	var hung []byte
	e := NewInProcess(func(in []byte) ExitKind {
		<-release
		return Ok
	}, obs, WithTimeout(20*time.Millisecond), WithTimeoutHook(func(in []byte) { hung = in }))

	exit, err := e.Run(context.Background(), []byte("slow"))
	require.NoError(t, err)
	assert.Equal(t, Timeout, exit)
	assert.Equal(t, []byte("slow"), hung)
}

func TestInProcessTimedOutHarnessDoesNotLeakCoverage(t *testing.T) {
	obs, m, _ := newObservers()
	release := make(chan struct{})
	e := NewInProcess(func(in []byte) ExitKind {
		if string(in) == "slow" {
			<-release
			for i := 0; i < 10; i++ {
				observer.Hit(9)
			}
			return Ok
		}
		observer.Hit(1)
		return Ok
	}, obs, WithTimeout(100*time.Millisecond), WithTimeoutHook(func([]byte) {}))

	exit, err := e.Run(context.Background(), []byte("slow"))
	require.NoError(t, err)
	assert.Equal(t, Timeout, exit)
	assert.Equal(t, 1, e.Abandoned())

	close(release)
	exit, err = e.Run(context.Background(), []byte("fast"))
	require.NoError(t, err)
	assert.Equal(t, Ok, exit)
	assert.Zero(t, m.Usable()[9])
	assert.Equal(t, byte(1), m.Usable()[1])
	assert.Zero(t, e.Abandoned())
}

func TestCommandExitClassification(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("no shell available")
	}
	obs, _, _ := newObservers()
	cases := []struct {
		script string
		want   ExitKind
	}{
		{"exit 0", Ok},
		{"exit 3", Crash},
		{"kill -SEGV $$", Crash},
		{"exit 42", Oom},
	}
	for _, tc := range cases {
		e, err := NewCommand([]string{"sh", "-c", tc.script}, obs, WithOomExitCode(42))
		require.NoError(t, err)
		exit, err := e.Run(context.Background(), nil)
		require.NoError(t, err, tc.script)
		assert.Equal(t, tc.want, exit, tc.script)
	}
}

func TestCommandTimeout(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("no sleep binary")
	}
	obs, _, _ := newObservers()
	e, err := NewCommand([]string{"sleep", "5"}, obs, WithCommandTimeout(50*time.Millisecond))
	require.NoError(t, err)
	exit, err := e.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, Timeout, exit)
}

func TestCommandInputFile(t *testing.T) {
	if _, err := exec.LookPath("grep"); err != nil {
		t.Skip("no grep binary")
	}
	obs, _, _ := newObservers()
	e, err := NewCommand([]string{"grep", "-q", "needle", InputPlaceholder}, obs)
	require.NoError(t, err)
	defer e.Close()

	exit, err := e.Run(context.Background(), []byte("hay needle hay"))
	require.NoError(t, err)
	assert.Equal(t, Ok, exit)

	exit, err = e.Run(context.Background(), []byte("only hay"))
	require.NoError(t, err)
	assert.Equal(t, Crash, exit)
}

func TestParseExitKind(t *testing.T) {
	for _, k := range []ExitKind{Ok, Crash, Oom, Timeout} {
		got, err := ParseExitKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseExitKind("nope")
	assert.Error(t, err)
}
