package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Retry defaults for bridge connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// Bridge maintains one persistent connection to the sandbox agent. Requests
// from any number of goroutines are serialized onto the connection; a single
// reader goroutine feeds every response envelope to the correlator, which
// fans them back out by ID.
type Bridge struct {
	logger *slog.Logger

	writeMu sync.Mutex
	conn    net.Conn
	reader  io.Reader // buffered when a vsock handshake read ahead

	closeOnce sync.Once
	closed    chan struct{}
}

// DialBridge connects to the agent, retrying with exponential backoff. The
// address is either a unix socket path or a "vsock:<path>:<port>" multiplexer
// address. The returned bridge does not read anything until Start is called
// with a correlator.
func DialBridge(ctx context.Context, addr string, logger *slog.Logger) (*Bridge, error) {
	path, port, err := splitBridgeAddr(addr)
	if err != nil {
		return nil, err
	}

	var lastErr error
	backoff := dialBaseBackoff

	for attempt := 0; attempt < dialMaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial bridge: %w", ctx.Err())
		default:
		}

		conn, reader, err := dialAgent(ctx, path, port)
		if err == nil {
			return &Bridge{
				logger: logger,
				conn:   conn,
				reader: reader,
				closed: make(chan struct{}),
			}, nil
		}

		lastErr = err
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial bridge: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial bridge after %d attempts: %w", dialMaxRetries, lastErr)
}

// dialAgent makes one connection attempt, running the vsock CONNECT exchange
// when port is nonzero.
func dialAgent(ctx context.Context, path string, port uint32) (net.Conn, io.Reader, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, nil, err
	}

	if port == 0 {
		return conn, conn, nil
	}

	reader, err := handshakeVsock(conn, port)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, reader, nil
}

// Send writes one request envelope as a length-prefixed frame. Safe for
// concurrent use.
func (b *Bridge) Send(req RenderRequest) error {
	select {
	case <-b.closed:
		return errors.New("bridge closed")
	default:
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := WriteFrame(b.conn, &req); err != nil {
		return fmt.Errorf("send request %s: %w", req.ID, err)
	}
	return nil
}

// Start launches the read loop feeding response envelopes to c. It returns
// immediately; the loop runs until the connection fails or Close is called,
// at which point every still-pending request is failed so no caller leaks.
func (b *Bridge) Start(c *Correlator) {
	go func() {
		err := b.readLoop(c)
		c.FailAll(err)
		b.Close()
	}()
}

// readLoop reads frames until the connection errors out. A frame that is not
// a well-formed response envelope cannot be correlated to a pending entry, so
// it is logged and skipped rather than tearing the bridge down.
func (b *Bridge) readLoop(c *Correlator) error {
	for {
		var resp RenderResponse
		if err := ReadFrame(b.reader, &resp); err != nil {
			select {
			case <-b.closed:
				return errors.New("bridge closed")
			default:
			}
			return fmt.Errorf("bridge read: %w", err)
		}

		switch resp.Type {
		case TypeRenderResponse, TypeRenderError:
			c.Resolve(resp)
		default:
			b.logger.Warn("unknown envelope type from agent", "type", resp.Type, "request_id", resp.ID)
		}
	}
}

// Close shuts the connection down. Idempotent.
func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		err = b.conn.Close()
	})
	return err
}
