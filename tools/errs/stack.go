package errs

import (
	"fmt"
	"runtime"
	"strings"
)

// withStack 在错误上附带一层调用栈快照，Error() 输出保持原样，
// 通过 %+v 才展开栈信息。
type withStack struct {
	err error
	pcs []uintptr
}

func newStack(err error, skip int) error {
	if err == nil {
		return nil
	}
	var pcs [32]uintptr
	n := runtime.Callers(skip, pcs[:])
	return &withStack{err: err, pcs: pcs[:n]}
}

func (w *withStack) Error() string { return w.err.Error() }
func (w *withStack) Unwrap() error { return w.err }

func (w *withStack) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		var b strings.Builder
		b.WriteString(w.err.Error())
		frames := runtime.CallersFrames(w.pcs)
		for {
			f, more := frames.Next()
			b.WriteString(fmt.Sprintf("\n\t%s\n\t\t%s:%d", f.Function, f.File, f.Line))
			if !more {
				break
			}
		}
		_, _ = fmt.Fprint(s, b.String())
		return
	}
	_, _ = fmt.Fprint(s, w.err.Error())
}
