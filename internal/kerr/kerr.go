// Package kerr defines the kernel's error-kind type: small negative
// integers returned directly by syscall-surface functions. Kernel code
// propagates these as plain return values, never as a Go error — only
// the outer collaborators (monitor, user runtime panics) translate them
// into idiomatic Go errors or panics at the boundary.
package kerr

// Err is a kernel error kind: zero means success, negative values name a
// failure.
type Err int

const (
	OK Err = 0

	BadEnv     Err = -1 // invalid or forbidden task id
	Inval      Err = -2 // bad argument
	NoMem      Err = -3
	NoFreeEnv  Err = -4
	NoSys      Err = -5 // unknown syscall
	IpcNotRecv Err = -6
	Fault      Err = -7 // backing-store inconsistency
	NoDisk     Err = -8
)

var names = map[Err]string{
	OK:         "ok",
	BadEnv:     "bad-env",
	Inval:      "inval",
	NoMem:      "no-mem",
	NoFreeEnv:  "no-free-env",
	NoSys:      "no-sys",
	IpcNotRecv: "ipc-not-recv",
	Fault:      "fault",
	NoDisk:     "no-disk",
}

// String implements fmt.Stringer so kernel diagnostics can print error
// kinds by name instead of bare integers.
func (e Err) String() string {
	if n, ok := names[e]; ok {
		return n
	}
	return "unknown-err"
}

// Error implements the standard error interface so outer, non-kernel
// collaborators (monitor, tests) can wrap an Err the idiomatic way without
// the kernel itself depending on the error interface.
func (e Err) Error() string {
	return e.String()
}

// Ok reports whether e denotes success.
func (e Err) Ok() bool {
	return e == OK
}
