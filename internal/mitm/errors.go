package mitm

import "errors"

// Sentinel error kinds surfaced to callers of the cert store and its
// supporting primitives. Wrap with fmt.Errorf("...: %w", ErrX) for context.
var (
	// ErrIO covers a missing confdir or an unreadable artifact file.
	ErrIO = errors.New("mitm: io error")

	// ErrParse covers malformed PEM or an unrecognized private key type.
	ErrParse = errors.New("mitm: parse error")

	// ErrKeyMismatch is returned when an operator-supplied cert and key
	// carry different public keys.
	ErrKeyMismatch = errors.New("mitm: certificate and key do not match")

	// ErrBadPassphrase is returned when a private key is encrypted and the
	// supplied passphrase (or lack thereof) fails to decrypt it.
	ErrBadPassphrase = errors.New("mitm: bad passphrase for private key")

	// ErrDHParam is returned when a DH parameter file exists but cannot be
	// parsed as a PEM-encoded DH PARAMETERS block.
	ErrDHParam = errors.New("mitm: invalid dhparam file")
)
