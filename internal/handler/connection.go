package handler

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/weathermesh/internal/clock"
	"github.com/devrev/weathermesh/internal/errors"
	"github.com/devrev/weathermesh/internal/metrics"
	"github.com/devrev/weathermesh/internal/protocol"
	"github.com/devrev/weathermesh/internal/store"
	"github.com/devrev/weathermesh/internal/validation"
)

// Connection serves one client connection for its lifetime. It reads framed
// requests, dispatches them, and on inbound read failure removes the record
// this connection last wrote, provided the record still carries this
// connection's origin.
type Connection struct {
	conn      net.Conn
	store     *store.Store
	clock     *clock.Clock
	validator *validation.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger

	remoteHost string
	remotePort int
	ownedID    string
}

// NewConnection creates a handler for one accepted connection.
func NewConnection(conn net.Conn, st *store.Store, clk *clock.Clock, m *metrics.Metrics, logger *zap.Logger) *Connection {
	host, port := splitRemoteAddr(conn.RemoteAddr())
	return &Connection{
		conn:       conn,
		store:      st,
		clock:      clk,
		validator:  validation.NewValidator(),
		metrics:    m,
		logger:     logger.With(zap.String("remote", conn.RemoteAddr().String())),
		remoteHost: host,
		remotePort: port,
	}
}

// Serve runs the read loop until the peer disconnects or the context is
// found cancelled. The context is checked between requests only; a read
// already blocked waits for the next frame or the disconnect. Cleanup runs
// when the inbound read fails or the cancelled context is seen; a failed
// write ends the handler without touching the store.
func (c *Connection) Serve(ctx context.Context) error {
	defer c.conn.Close()

	for {
		select {
		case <-ctx.Done():
			c.cleanup()
			return ctx.Err()
		default:
		}

		frame, err := protocol.ReadFrame(c.conn)
		if err != nil {
			c.logger.Debug("Connection closed", zap.Error(err))
			c.cleanup()
			return nil
		}

		resp := c.dispatch(string(frame))
		if err := protocol.WriteFrame(c.conn, []byte(protocol.FormatResponse(resp))); err != nil {
			c.logger.Warn("Failed to write response", zap.Error(err))
			return nil
		}
	}
}

// dispatch parses one request and produces its response. Every response
// carries the server's Lamport clock after the request was processed.
func (c *Connection) dispatch(text string) *protocol.Response {
	start := time.Now()

	req, err := protocol.ParseRequest(text)
	if err != nil {
		c.logger.Warn("Unparseable request", zap.Error(err))
		resp := c.respond(400, c.clock.TickForInternal(), "")
		c.metrics.RecordRequest("unknown", 400, time.Since(start).Seconds())
		return resp
	}

	var resp *protocol.Response
	switch req.Method {
	case protocol.MethodGet:
		resp = c.handleGet(req)
	case protocol.MethodPut:
		resp = c.handlePut(req)
	case protocol.MethodSync:
		resp = c.handleSync(req)
	default:
		c.logger.Warn("Unknown method", zap.String("method", req.Method))
		resp = c.respond(400, c.clock.TickForInternal(), "")
	}

	c.metrics.RecordRequest(req.Method, resp.Status, time.Since(start).Seconds())
	return resp
}

func (c *Connection) handleGet(req *protocol.Request) *protocol.Response {
	id, peer, verr := c.validator.ValidateGet(req)
	if verr != nil {
		return c.reject(req, verr)
	}

	lamport := c.clock.TickForRequest(peer)

	if id == "" {
		return c.respond(200, lamport, c.aggregateBody())
	}

	rec := c.store.Get(id)
	if rec == nil || rec.IsExpired(c.clock.UpdateCount()) {
		return c.respond(400, lamport, "")
	}
	return c.respond(200, lamport, rec.Body())
}

func (c *Connection) handlePut(req *protocol.Request) *protocol.Response {
	id, peer, verr := c.validator.ValidatePut(req)
	if verr != nil {
		return c.reject(req, verr)
	}

	lamport, seq := c.clock.AdmitWrite(peer)

	rec, created := c.store.GetOrCreate(id)
	c.ownedID = id

	admitted, err := rec.Merge(req.Body, peer, time.Now().UnixMilli(), seq, c.remoteHost, c.remotePort)
	if err != nil {
		c.logger.Error("Failed to persist record",
			zap.String("station_id", id),
			zap.Error(err))
		c.metrics.RecordPersistFailure()
		return c.respond(500, lamport, "")
	}
	c.metrics.RecordWrite(admitted, len(req.Body))

	status := 200
	if created {
		status = 201
	}
	c.logger.Info("Stored update",
		zap.String("station_id", id),
		zap.Int64("peer_lamport", peer),
		zap.Int64("update_seq", seq),
		zap.Bool("created", created),
		zap.Bool("admitted", admitted))
	return c.respond(status, lamport, "")
}

func (c *Connection) handleSync(req *protocol.Request) *protocol.Response {
	peer, verr := c.validator.ValidateSync(req)
	if verr != nil {
		// SYNC still advances the clock and answers 200 when the peer
		// value is missing or unreadable.
		return c.respond(200, c.clock.TickForRequest(0), "")
	}
	return c.respond(200, c.clock.TickForRequest(peer), "")
}

// reject answers a failed validation. The clock still advances: with the
// peer value when the Lamport header parsed, plainly otherwise.
func (c *Connection) reject(req *protocol.Request, verr *errors.ProtocolError) *protocol.Response {
	var lamport int64
	if peer, err := req.LamportHeader(); err == nil {
		lamport = c.clock.TickForRequest(peer)
	} else {
		lamport = c.clock.TickForInternal()
	}
	c.logger.Warn("Rejected request",
		zap.String("method", req.Method),
		zap.String("target", req.Target),
		zap.Int("status", verr.WireStatus()),
		zap.String("reason", verr.Message))
	return c.respond(verr.WireStatus(), lamport, "")
}

// aggregateBody joins the bodies of all non-expired records into a JSON
// array. Bodies are embedded verbatim.
func (c *Connection) aggregateBody() string {
	currentSeq := c.clock.UpdateCount()
	var b strings.Builder
	b.WriteString("[")
	first := true
	c.store.Range(func(rec *store.Record) bool {
		if rec.IsExpired(currentSeq) {
			return true
		}
		if !first {
			b.WriteString(",")
		}
		b.WriteString(rec.Body())
		first = false
		return true
	})
	b.WriteString("]")
	return b.String()
}

func (c *Connection) respond(status int, lamport int64, body string) *protocol.Response {
	return &protocol.Response{
		Status: status,
		Headers: map[string]string{
			protocol.HeaderLamport: strconv.FormatInt(lamport, 10),
		},
		Body: body,
	}
}

// cleanup removes the record this connection last wrote, if it is still
// mapped and still carries this connection's origin.
func (c *Connection) cleanup() {
	if c.ownedID == "" {
		return
	}
	if c.store.RemoveIfOrigin(c.ownedID, c.remoteHost, c.remotePort) {
		c.metrics.RecordDisconnectCleanup()
		c.logger.Info("Removed record after disconnect",
			zap.String("station_id", c.ownedID))
	}
}

func splitRemoteAddr(addr net.Addr) (string, int) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}
