package safe

import (
	"runtime/debug"

	"PSync/logger"
)

// Go 起一个自带 recover 的协程：后台任务（清理、写泵）崩了只记日志，
// 不拖垮整个进程。
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe] goroutine panic recovered: %v\n%s", r, debug.Stack())
			}
		}()
		f()
	}()
}
