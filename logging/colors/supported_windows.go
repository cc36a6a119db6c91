//go:build windows

package colors

import (
	"os"
	"sync"

	"golang.org/x/sys/windows"
)

var (
	consoleModeOnce sync.Once
	virtualTerminal bool
)

// supported checks once whether the stdout console processes ANSI escape sequences.
func supported() bool {
	consoleModeOnce.Do(func() {
		var mode uint32
		handle := windows.Handle(os.Stdout.Fd())
		if err := windows.GetConsoleMode(handle, &mode); err != nil {
			return
		}
		virtualTerminal = mode&windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING != 0
	})
	return virtualTerminal
}
