package docker

// Container is a running container as seen during a single generation cycle.
// Values are rebuilt on every cycle and never mutated after Collect returns.
type Container struct {
	ID        string            // Runtime-assigned container ID
	Host      string            // Host label of the connector that reported it
	Env       map[string]string // Environment variables from the container config
	IPAddress string            // Container address on the default network, may be empty
	Ports     []Port            // Exposed ports, one entry per host binding
}

// Port is a single exposed container port and, when published, its host side.
type Port struct {
	ContainerPort int
	UDP           bool
	HostPort      int // 0 when the runtime has not published a binding
}

// Published reports whether the port has a host-side binding.
func (p Port) Published() bool {
	return p.HostPort != 0
}

// FindPort returns the first TCP entry for the given container port.
func (c Container) FindPort(port int) (Port, bool) {
	return c.findPort(port, false)
}

// FindUDPPort returns the first UDP entry for the given container port.
func (c Container) FindUDPPort(port int) (Port, bool) {
	return c.findPort(port, true)
}

func (c Container) findPort(port int, udp bool) (Port, bool) {
	for _, p := range c.Ports {
		if p.ContainerPort == port && p.UDP == udp {
			return p, true
		}
	}
	return Port{}, false
}

// EnvOr returns the named environment variable or def when it is not set.
// A variable set to the empty string is returned as-is.
func (c Container) EnvOr(name, def string) string {
	if v, ok := c.Env[name]; ok {
		return v
	}
	return def
}

// State is an inventory snapshot across all monitored hosts.
type State struct {
	Containers []Container
}

// Append adds containers to the snapshot in order.
func (s *State) Append(cs ...Container) {
	s.Containers = append(s.Containers, cs...)
}
