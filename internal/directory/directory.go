// Package directory resolves account identifiers to destination mailbox
// addresses through an external lookup, with failure classification, bounded
// retry, and optional caching.
package directory

import (
	"context"
	"errors"
)

// ErrNotFound means the account identifier does not exist in the directory,
// or the directory returned no usable mailbox for it. Retrying cannot help.
var ErrNotFound = errors.New("account not found")

// ErrUnauthorized means the directory rejected our credentials. This is an
// operator problem, not a transient one, and is never retried.
var ErrUnauthorized = errors.New("directory credentials rejected")

// Resolver maps an account identifier to a destination mailbox address.
// Errors that are not ErrNotFound or ErrUnauthorized are considered
// transient and eligible for retry.
type Resolver interface {
	Resolve(ctx context.Context, accountID string) (string, error)
}

// Permanent reports whether err is a classified permanent failure that must
// not be retried.
func Permanent(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized)
}
