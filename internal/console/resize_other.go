//go:build !unix

package console

// watchResize is a no-op where SIGWINCH does not exist.
func watchResize(fn func()) (stop func()) {
	return func() {}
}
