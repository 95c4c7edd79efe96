package docker

import "context"

// EndpointAPI is the subset of Endpoint operations the installation engine
// and MountDetector depend on. Implemented by Endpoint for production, and
// by fakes in tests.
type EndpointAPI interface {
	Ping(ctx context.Context) error
	ContainerExists(ctx context.Context, name string) (bool, error)
	EnsureNetwork(ctx context.Context, name string) error
	AttachSelfToNetwork(ctx context.Context, networkName, selfContainerID string) error
	PullImage(ctx context.Context, image string, onProgress func(ProgressEvent)) error
	RunContainer(ctx context.Context, spec ContainerSpec, networkName string, onLog func(line, stream string)) (string, error)
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	InspectContainer(ctx context.Context, id string) (ContainerDetails, error)
	ListAllContainers(ctx context.Context) ([]ContainerSummary, error)
	Close() error
}

// Verify Endpoint implements EndpointAPI at compile time.
var _ EndpointAPI = (*Endpoint)(nil)
