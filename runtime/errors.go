package runtime

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// SchemaError reports a causally ready transaction whose ops could not be
// applied: a path with no target Collab, or a payload the target rejected.
// The transaction is dropped permanently and the vector clock is left
// unchanged; every replica handles the same transaction the same way, so
// convergence is preserved.
type SchemaError struct {
	SenderID      string
	SenderCounter uint64
	Path          []string
	Reason        string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema mismatch from %s#%d at /%s: %s",
		e.SenderID, e.SenderCounter, strings.Join(e.Path, "/"), e.Reason)
}

// ErrReceiveInTransaction is returned when Receive or Load is invoked
// while a local transaction is open. Remote delivery inside a transaction
// would let the sender observe a half-committed clock.
var ErrReceiveInTransaction = errors.New("receive inside an open transaction")
