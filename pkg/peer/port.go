package peer

import (
	"fmt"
	"net"
	"strconv"
)

const maxPort = 65535

// FindAvailablePort returns the first TCP port at or above base that can be
// bound on ip. The port is released again before returning, so another
// process may still take it.
func FindAvailablePort(ip string, base int) (int, error) {
	if base < 1 || base > maxPort {
		return 0, fmt.Errorf("base port %d out of range", base)
	}
	for port := base; port <= maxPort; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port on %s at or above %d", ip, base)
}
