package switchyard

const (
	// Name is the service name reported in logs and health checks
	Name = "switchyard"

	// Version is the current release
	Version = "0.1.0"
)
