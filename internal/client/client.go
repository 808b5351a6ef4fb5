package client

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/weathermesh/internal/protocol"
	"github.com/devrev/weathermesh/internal/util/retry"
)

const userAgent = "ATOMClient/1/0"

// Client speaks the framed weather protocol over one TCP connection and
// carries the caller's Lamport clock. Feeders and readers share it.
type Client struct {
	addr    string
	conn    net.Conn
	lamport int64
	logger  *zap.Logger

	attempts  int
	retryBase time.Duration
}

// New creates a client for the given server URL. The URL may carry an
// http:// or https:// scheme or be a bare host:port.
func New(serverURL string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	addr, err := ResolveServerURL(serverURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		addr:      addr,
		logger:    logger,
		attempts:  3,
		retryBase: 500 * time.Millisecond,
	}, nil
}

// Connect dials the server.
func (c *Client) Connect() error {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}
	c.conn = conn
	c.logger.Info("Connected", zap.String("addr", c.addr))
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Lamport returns the client's current Lamport clock value.
func (c *Client) Lamport() int64 {
	return c.lamport
}

// Sync performs the initial clock exchange: a SYNC round trip that leaves
// the local clock ahead of the server's.
func (c *Client) Sync() error {
	resp, err := c.do(&protocol.Request{
		Method: protocol.MethodSync,
		Target: "/",
	})
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	if resp.Status != 200 {
		return fmt.Errorf("sync failed: server answered %d", resp.Status)
	}
	return nil
}

// Put uploads one station's body. Answers whether the server created the
// record (201) as opposed to updating it (200).
func (c *Client) Put(body string) (created bool, err error) {
	resp, err := c.do(&protocol.Request{
		Method: protocol.MethodPut,
		Target: "/weather.json",
		Body:   body,
	})
	if err != nil {
		return false, err
	}
	return resp.Status == 201, nil
}

// Get fetches "/" for all records or "/<id>" for one. Returns the
// response body.
func (c *Client) Get(stationID string) (string, error) {
	resp, err := c.do(&protocol.Request{
		Method: protocol.MethodGet,
		Target: "/" + stationID,
	})
	if err != nil {
		return "", err
	}
	return resp.Body, nil
}

// do runs one request round trip with retries. Transport failures and 500
// responses are retried with backoff; any answer other than 200 or 201
// (204 included) is terminal for the request. The local clock bumps before every send and
// advances past the server's value on 200/201.
func (c *Client) do(req *protocol.Request) (*protocol.Response, error) {
	var resp *protocol.Response
	err := retry.Do(c.attempts, c.retryBase, func() error {
		c.lamport++
		req.Headers = map[string]string{
			protocol.HeaderLamport: strconv.FormatInt(c.lamport, 10),
			"User-Agent":           userAgent,
		}

		r, err := c.roundTrip(req)
		if err != nil {
			c.logger.Warn("Request transport failure, will retry",
				zap.String("method", req.Method),
				zap.Error(err))
			if rerr := c.reconnect(); rerr != nil {
				return rerr
			}
			return err
		}
		if r.Status == 500 {
			c.logger.Warn("Server error, will retry",
				zap.String("method", req.Method),
				zap.Int("status", r.Status))
			return fmt.Errorf("server answered 500")
		}

		if r.Status == 200 || r.Status == 201 {
			if server, err := r.LamportHeader(); err == nil && server > c.lamport {
				c.lamport = server
			}
			c.lamport++
		} else {
			return &retry.Permanent{Err: &statusError{r}}
		}

		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) roundTrip(req *protocol.Request) (*protocol.Response, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("not connected")
	}
	if err := protocol.WriteFrame(c.conn, []byte(protocol.FormatRequest(req))); err != nil {
		return nil, err
	}
	frame, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	return protocol.ParseResponse(string(frame))
}

// reconnect re-dials after a transport failure so the next attempt starts
// on a fresh connection.
func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
	}
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		c.conn = nil
		return fmt.Errorf("failed to reconnect to %s: %w", c.addr, err)
	}
	c.conn = conn
	return nil
}

// statusError is a terminal answer other than 200, 201 or 500. It is
// never retried.
type statusError struct {
	resp *protocol.Response
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server answered %d", e.resp.Status)
}

// ResponseStatus extracts the wire status from an error returned by the
// client, or zero when the failure was not a server answer.
func ResponseStatus(err error) int {
	if se, ok := err.(*statusError); ok {
		return se.resp.Status
	}
	return 0
}
