package ports

import (
	"context"

	"github.com/oscoin/radicle/internal/domain"
)

// MachineStore is the distributed append-only log collaborator. The
// daemon consumes it; it never implements the replication semantics
// itself.
type MachineStore interface {
	// CreateMachine allocates a fresh, empty machine log and returns
	// its id.
	CreateMachine(ctx context.Context) (domain.MachineID, error)

	// EntriesFrom returns the latest index of the machine's log and
	// every entry after since, in log order. A nil since means from the
	// start. When the log holds nothing newer it returns the latest
	// index and no entries.
	EntriesFrom(ctx context.Context, id domain.MachineID, since *uint64) (uint64, []domain.Value, error)

	// AppendEntries atomically appends the batch to the machine's log.
	AppendEntries(ctx context.Context, id domain.MachineID, entries []domain.Value) error
}
