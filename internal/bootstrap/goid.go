package bootstrap

import (
	"bytes"
	"runtime"
	"strconv"
)

var goroutinePrefix = []byte("goroutine ")

// goid returns the id of the calling goroutine, parsed from the first line of
// its stack trace ("goroutine 123 [running]:"). Goroutine ids start at 1, so
// zero is free to mean "no owner".
//
// This is only ever used while initialization is in flight; once the ready
// state is published the fast path of Ensure never gets here.
func goid() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	id, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
