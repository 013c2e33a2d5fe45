// Shared types and sentinel errors for the runtime abstraction.
package runtime

import "errors"

var (
	// ErrUnavailable means the container engine could not be reached or did
	// not answer within the deadline. Timeouts are reported as ErrUnavailable.
	ErrUnavailable = errors.New("container runtime unavailable")

	// ErrSpecRejected means the engine refused the container spec itself
	// (bad image reference, invalid resource limits, name conflict).
	ErrSpecRejected = errors.New("container spec rejected")
)

// Resource limits and image constants for bot containers. The bootstrap
// command downloads the bot bundle at start, so the image is a plain Node
// base image rather than a prebuilt one.
const (
	DefaultImage = "node:18-alpine"

	// InnerPort is the fixed port the bot listens on inside the container.
	// It is published to a dynamically assigned host port.
	InnerPort = 3000

	MemoryBytes     = 256 * 1024 * 1024
	MemorySwapBytes = 512 * 1024 * 1024
	CPUShares       = 512
)

// Spec describes how a bot container should be created.
type Spec struct {
	// InstanceID is the owning instance record's ID; it names the container.
	InstanceID string
	// Image is the container image. Empty means DefaultImage.
	Image string
	// Env holds the environment bindings injected into the container,
	// including the session credential.
	Env map[string]string
	// Memory, MemorySwap and CPUShares bound the container's resources.
	// Zero values mean the package defaults.
	Memory     int64
	MemorySwap int64
	CPUShares  int64
}

// NewSpec returns a Spec for an instance with the default image and resource
// limits filled in.
func NewSpec(instanceID string, env map[string]string) Spec {
	return Spec{
		InstanceID: instanceID,
		Image:      DefaultImage,
		Env:        env,
		Memory:     MemoryBytes,
		MemorySwap: MemorySwapBytes,
		CPUShares:  CPUShares,
	}
}

// Handle identifies a created container.
type Handle struct {
	InstanceID    string
	ContainerID   string
	ContainerName string
}

// Status holds live container state as reported by Inspect.
type Status struct {
	// Running is true while the container process is up.
	Running bool
	// Port is the host port mapped to InnerPort, 0 when not yet assigned.
	Port int
	// ExitCode is meaningful only when Running is false.
	ExitCode int
}

// ContainerNameFor returns the engine-level container name for an instance.
func ContainerNameFor(instanceID string) string {
	return "freevps-bot-" + instanceID
}
