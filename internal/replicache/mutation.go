package replicache

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMutation indicates a mutation name outside the supported set.
// It fails the whole push batch with a full rollback.
var ErrUnknownMutation = errors.New("replicache: unknown mutation")

// MutationKind enumerates the supported mutation operations. The set is
// closed: wire names map through ParseMutationKind and anything else is
// rejected, so adding a kind is a compile-time-checked change.
type MutationKind int

const (
	// MutationKindUnknown is the zero value and never dispatches.
	MutationKindUnknown MutationKind = iota
	// MutationKindCreateMessage inserts one message row.
	MutationKindCreateMessage
)

const mutationNameCreateMessage = "createMessage"

// ParseMutationKind maps a wire mutation name to its kind.
func ParseMutationKind(name string) (MutationKind, error) {
	switch name {
	case mutationNameCreateMessage:
		return MutationKindCreateMessage, nil
	default:
		return MutationKindUnknown, fmt.Errorf("%w: %q", ErrUnknownMutation, name)
	}
}

// String returns the wire name of the mutation kind.
func (k MutationKind) String() string {
	switch k {
	case MutationKindCreateMessage:
		return mutationNameCreateMessage
	default:
		return "unknown"
	}
}

// Mutation is one client-submitted unit of work. ID is the per-client
// sequence number assigned by the client library; Args is the handler
// payload, decoded per kind.
type Mutation struct {
	ID   int64           `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// CreateMessageArgs is the payload of a createMessage mutation.
type CreateMessageArgs struct {
	ID         string  `json:"id"`
	From       string  `json:"from"`
	Content    string  `json:"content"`
	Order      int64   `json:"order"`
	Attachment *string `json:"attachment,omitempty"`
}
