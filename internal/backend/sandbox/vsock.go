package sandbox

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// vsockScheme marks an agent address that is reached through a hypervisor's
// vsock-to-UDS multiplexer rather than a plain unix socket. The form is
// "vsock:<uds_path>:<port>"; the multiplexer bridges the connection to the
// guest's vsock listener on that port.
const vsockScheme = "vsock:"

// splitBridgeAddr returns the unix socket path to dial and, when the address
// uses the vsock scheme, the guest port to request in the CONNECT handshake.
// port is 0 for plain unix addresses.
func splitBridgeAddr(addr string) (path string, port uint32, err error) {
	if !strings.HasPrefix(addr, vsockScheme) {
		return addr, 0, nil
	}

	rest := addr[len(vsockScheme):]
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 || i == len(rest)-1 {
		return "", 0, fmt.Errorf("malformed vsock address %q, want vsock:<path>:<port>", addr)
	}

	p, err := strconv.ParseUint(rest[i+1:], 10, 32)
	if err != nil || p == 0 {
		return "", 0, fmt.Errorf("malformed vsock port in %q", addr)
	}
	return rest[:i], uint32(p), nil
}

// handshakeVsock performs the multiplexer CONNECT exchange on a freshly
// dialed connection: send "CONNECT <port>\n", expect "OK <host_port>\n".
// The returned reader is buffered and must be used for all subsequent reads
// so bytes read ahead during the handshake are not lost.
func handshakeVsock(conn net.Conn, port uint32) (io.Reader, error) {
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		return nil, fmt.Errorf("vsock CONNECT refused: %s", response)
	}
	return reader, nil
}
