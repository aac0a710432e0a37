//go:build windows || plan9

package mitm

// withSecretUmask is a no-op on platforms without a process umask. The
// 0600/0644 modes passed to OpenFile apply only as far as the platform maps
// them (on Windows, only the owner-write bit, as the read-only attribute), so
// the secret artifacts are not restricted to their owner here.
func withSecretUmask(fn func() error) error {
	return fn()
}
