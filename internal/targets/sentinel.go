package targets

import (
	"alma.local/covfuzz/executor"
	"alma.local/covfuzz/observer"
)

// Sentinel panics on inputs starting with "abc". Each matched prefix byte
// lights a new edge so coverage feedback can climb towards the crash.
func Sentinel(input []byte) executor.ExitKind {
	observer.Hit(0)
	if len(input) > 0 && input[0] == 'a' {
		observer.Hit(1)
		if len(input) > 1 && input[1] == 'b' {
			observer.Hit(2)
			if len(input) > 2 && input[2] == 'c' {
				panic("sentinel reached")
			}
		}
	}
	return executor.Ok
}

func init() {
	register(Target{Name: "sentinel", Description: `panics on inputs starting with "abc"`, Harness: Sentinel})
}
