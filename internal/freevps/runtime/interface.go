// Package runtime defines the Runtime interface for bot container lifecycle
// management. The interface is a thin capability surface: admission, leases
// and refunds are the orchestrator's business, not the runtime's.
package runtime

import "context"

// Runtime abstracts the container engine backing bot instances.
type Runtime interface {
	// Create allocates a sandboxed container from the given spec without
	// starting it. Returns an opaque handle. Fails with ErrSpecRejected for
	// specs the engine refuses and ErrUnavailable when the engine cannot be
	// reached.
	Create(ctx context.Context, spec Spec) (Handle, error)

	// Start transitions the container to running. After a successful start
	// the dynamically assigned host port becomes discoverable via Inspect.
	Start(ctx context.Context, handle Handle) error

	// Inspect returns the assigned host port and liveness state.
	Inspect(ctx context.Context, handle Handle) (Status, error)

	// Stop gracefully stops the container. Idempotent; a container that is
	// already gone is not an error.
	Stop(ctx context.Context, handle Handle) error

	// Remove deletes the container. Idempotent; "already gone" is success.
	Remove(ctx context.Context, handle Handle) error
}
