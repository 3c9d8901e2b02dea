package docker

import "errors"

var (
	// ErrUnavailable indicates the Docker daemon cannot be reached. Fatal to
	// the requested operation, not to the process.
	ErrUnavailable = errors.New("docker: daemon unavailable")

	// ErrNotFound indicates the requested Docker resource was not found.
	ErrNotFound = errors.New("docker: resource not found")

	// ErrStopTimeout indicates a container survived both the graceful stop
	// window and the forced kill.
	ErrStopTimeout = errors.New("docker: container did not stop in time")
)
