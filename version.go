package cluster

// Version information for the AgentX cluster control plane
const (
	// Version is the current control plane version
	Version = "development"

	// APIVersion is the current API version
	APIVersion = "v1alpha1"
)

// Set at build time with -ldflags "-X github.com/itsneelabh/gomind-cluster.GitCommit=..."
var (
	BuildDate = "development"
	GitCommit = "unknown"
)
