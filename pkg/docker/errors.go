package docker

import "fmt"

// ConnectivityError reports that a host could not be reached or that one of
// its API calls failed. The host should be skipped or the cycle aborted; it
// is never fatal on its own.
type ConnectivityError struct {
	Host string
	Op   string
	Err  error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("docker host %s: %s: %v", e.Host, e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}
