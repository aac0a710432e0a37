//go:build !windows && !plan9

package mitm

import "syscall"

// withSecretUmask temporarily ORs the process umask with 0o77 for the
// duration of fn, so that any file created inside fn is unreadable by
// anyone but the owner, then restores the original umask on every exit path
// (including a panic unwinding through fn). Mirrors certs.py's
// umask_secret() context manager.
func withSecretUmask(fn func() error) error {
	original := syscall.Umask(0)
	syscall.Umask(original | 0o77)
	defer syscall.Umask(original)
	return fn()
}
