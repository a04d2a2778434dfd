// Command meshforge-agent is the render agent that runs next to the sandboxed
// geometry engine. It listens on a unix socket (or a vsock port when the
// engine runs inside a microVM), reads render request envelopes from the
// bridge, executes the engine binary, and writes response envelopes back.
//
// Build with: CGO_ENABLED=0 go build -o meshforge-agent ./cmd/meshforge-agent
package main

import (
	"flag"
	"log"
	"net"
	"os"

	"github.com/mdlayher/vsock"

	"github.com/meshforge/meshforge/internal/agent"
	"github.com/meshforge/meshforge/internal/config"
)

func main() {
	socketPath := flag.String("socket", "/run/meshforge/engine.sock", "unix socket path to listen on")
	vsockPort := flag.Uint("vsock-port", 0, "vsock port to listen on instead of the unix socket")
	engineBin := flag.String("engine", "meshforge-render", "geometry engine binary")
	flag.Parse()

	logger := config.NewLogger(os.Stdout, config.Load().LogLevel)

	var (
		listener net.Listener
		err      error
	)
	if *vsockPort > 0 {
		listener, err = vsock.Listen(uint32(*vsockPort), nil)
		if err != nil {
			log.Fatalf("vsock listen on port %d: %v", *vsockPort, err)
		}
		logger.Info("meshforge-agent listening", "vsock_port", *vsockPort, "engine", *engineBin)
	} else {
		// A stale socket from a previous run blocks the listen call.
		_ = os.Remove(*socketPath)
		listener, err = net.Listen("unix", *socketPath)
		if err != nil {
			log.Fatalf("unix listen on %s: %v", *socketPath, err)
		}
		logger.Info("meshforge-agent listening", "socket", *socketPath, "engine", *engineBin)
	}
	defer listener.Close()

	a := agent.New(listener, *engineBin, logger)
	if err := a.Serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
