package sshuttle

import (
	"fmt"
	"runtime/debug"

	"github.com/op/go-logging"
)

// RecoverToLog runs f, logging and swallowing any panic instead of letting
// it escape. Used to isolate the ACL subscriber goroutine from the
// single-threaded event loop: a decode bug in it must not take the whole
// daemon down.
func RecoverToLog(f func(), log *logging.Logger) {
	defer func() {
		if x := recover(); x != nil {
			if log != nil {
				log.Error(fmt.Sprintf("run time panic: %v", x))
				log.Error(string(debug.Stack()))
			}
		}
	}()
	f()
}
