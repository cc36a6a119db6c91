//go:build !windows

package colors

// supported always holds on non-Windows terminals.
func supported() bool {
	return true
}
