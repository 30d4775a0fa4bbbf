package payout

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// PendingError reports a payout that was broadcast but whose outcome is not
// known. The value may still arrive, so callers must not pay it again.
type PendingError struct {
	Hash common.Hash
	Err  error
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("payout %s pending: %v", e.Hash.Hex(), e.Err)
}

func (e *PendingError) Unwrap() error { return e.Err }

func (e *PendingError) Pending() bool { return true }

// IsPending reports whether err carries a PendingError.
func IsPending(err error) bool {
	var p *PendingError
	return errors.As(err, &p)
}
