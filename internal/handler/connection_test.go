package handler

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/devrev/weathermesh/internal/clock"
	"github.com/devrev/weathermesh/internal/metrics"
	"github.com/devrev/weathermesh/internal/protocol"
	"github.com/devrev/weathermesh/internal/store"
)

// promauto registers against the default registry, so the test binary
// builds its metrics exactly once.
var testMetrics = metrics.NewMetrics("test-node")

type fixture struct {
	conn     *Connection
	store    *store.Store
	clock    *clock.Clock
	dir      string
	peerSide net.Conn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	st := store.New(dir, store.ExpiryPolicy{MaxAge: 30 * time.Second, MaxUpdateLag: 20}, zaptest.NewLogger(t))
	clk := clock.New()

	serverSide, peerSide := net.Pipe()
	t.Cleanup(func() {
		serverSide.Close()
		peerSide.Close()
	})

	return &fixture{
		conn:     NewConnection(serverSide, st, clk, testMetrics, zaptest.NewLogger(t)),
		store:    st,
		clock:    clk,
		dir:      dir,
		peerSide: peerSide,
	}
}

func (f *fixture) dispatch(t *testing.T, method, target, lamport, body string) *protocol.Response {
	t.Helper()
	req := &protocol.Request{Method: method, Target: target, Headers: map[string]string{}, Body: body}
	if lamport != "" {
		req.Headers[protocol.HeaderLamport] = lamport
	}
	return f.conn.dispatch(protocol.FormatRequest(req))
}

func responseLamport(t *testing.T, resp *protocol.Response) int64 {
	t.Helper()
	v, err := resp.LamportHeader()
	require.NoError(t, err)
	return v
}

func TestGetEmptyStoreReturnsEmptyArray(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, protocol.MethodGet, "/", "1", "")
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "[]", resp.Body)
	assert.Greater(t, responseLamport(t, resp), int64(1))
}

func TestPutCreateThenGet(t *testing.T) {
	f := newFixture(t)
	body := `{"id":"IDS60901","air_temp":"13.3"}`

	resp := f.dispatch(t, protocol.MethodPut, "/weather.json", "1", body)
	assert.Equal(t, 201, resp.Status)

	resp = f.dispatch(t, protocol.MethodGet, "/IDS60901", "2", "")
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, body, resp.Body)

	// A second PUT to the same station answers 200.
	resp = f.dispatch(t, protocol.MethodPut, "/weather.json", "5", `{"id":"IDS60901","air_temp":"14.0"}`)
	assert.Equal(t, 200, resp.Status)
}

func TestGetAllListsEveryStation(t *testing.T) {
	f := newFixture(t)

	f.dispatch(t, protocol.MethodPut, "/weather.json", "1", `{"id":"S1","air_temp":"10.0"}`)
	f.dispatch(t, protocol.MethodPut, "/weather.json", "2", `{"id":"S2","air_temp":"20.0"}`)

	resp := f.dispatch(t, protocol.MethodGet, "/", "3", "")
	assert.Equal(t, 200, resp.Status)
	assert.Contains(t, resp.Body, `{"id":"S1","air_temp":"10.0"}`)
	assert.Contains(t, resp.Body, `{"id":"S2","air_temp":"20.0"}`)
	assert.Equal(t, "[", resp.Body[:1])
	assert.Equal(t, "]", resp.Body[len(resp.Body)-1:])
}

func TestGetMissingStationRejected(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, protocol.MethodGet, "/NOPE", "1", "")
	assert.Equal(t, 400, resp.Status)
	assert.Empty(t, resp.Body)
}

func TestGetNestedTargetRejected(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, protocol.MethodGet, "/a/b", "1", "")
	assert.Equal(t, 400, resp.Status)
}

func TestSyncAdvancesClock(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, protocol.MethodSync, "/", "7", "")
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, int64(8), responseLamport(t, resp))
	assert.Empty(t, resp.Body)
}

func TestSyncWithoutLamportStillAnswers(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, protocol.MethodSync, "/", "", "")
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, int64(1), responseLamport(t, resp))
}

func TestPutMissingLamportRejected(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, protocol.MethodPut, "/weather.json", "", `{"id":"S1"}`)
	assert.Equal(t, 400, resp.Status)
	assert.Nil(t, f.store.Get("S1"))
	assert.Zero(t, f.clock.UpdateCount())
}

func TestPutMalformedBodyRejected(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, protocol.MethodPut, "/weather.json", "1", `{"id": nope}`)
	assert.Equal(t, 500, resp.Status)
	assert.Zero(t, f.clock.UpdateCount())
}

func TestPutEmptyBodyAnswersNoContent(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, protocol.MethodPut, "/weather.json", "1", "")
	assert.Equal(t, 204, resp.Status)
	assert.Zero(t, f.clock.UpdateCount())
}

func TestPutStaleLamportKeepsStoredBody(t *testing.T) {
	f := newFixture(t)
	newer := `{"id":"S1","air_temp":"15.0"}`

	f.dispatch(t, protocol.MethodPut, "/weather.json", "9", newer)

	resp := f.dispatch(t, protocol.MethodPut, "/weather.json", "3", `{"id":"S1","air_temp":"1.0"}`)
	assert.Equal(t, 200, resp.Status)

	rec := f.store.Get("S1")
	require.NotNil(t, rec)
	assert.Equal(t, newer, rec.Body())
	assert.Equal(t, int64(9), rec.Lamport())
}

func TestRejectedRequestStillTicksClock(t *testing.T) {
	f := newFixture(t)

	before := f.clock.Lamport()
	resp := f.dispatch(t, protocol.MethodGet, "no-slash", "40", "")
	assert.Equal(t, 400, resp.Status)
	assert.Equal(t, int64(41), responseLamport(t, resp))
	assert.Greater(t, f.clock.Lamport(), before)
}

func TestUnparseableRequestAnswers400(t *testing.T) {
	f := newFixture(t)

	resp := f.conn.dispatch("not a request at all")
	assert.Equal(t, 400, resp.Status)
	assert.Equal(t, int64(1), responseLamport(t, resp))
}

func TestUnknownMethodAnswers400(t *testing.T) {
	f := newFixture(t)

	resp := f.conn.dispatch("DELETE / HTTP/1.1\r\nLamport-Clock: 1\r\n\r\n")
	assert.Equal(t, 400, resp.Status)
}

func TestResponseCarriesServerLamport(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, protocol.MethodPut, "/weather.json", "100", `{"id":"S1"}`)
	assert.Equal(t, 201, resp.Status)
	assert.Equal(t, int64(101), responseLamport(t, resp))
	assert.Equal(t, int64(1), f.clock.UpdateCount())

	// The record keeps the peer's timestamp, not the ticked server value.
	rec := f.store.Get("S1")
	require.NotNil(t, rec)
	assert.Equal(t, int64(100), rec.Lamport())
}

func TestDisconnectRemovesOwnedRecord(t *testing.T) {
	f := newFixture(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.conn.Serve(context.Background())
	}()

	put := protocol.FormatRequest(&protocol.Request{
		Method:  protocol.MethodPut,
		Target:  "/weather.json",
		Headers: map[string]string{protocol.HeaderLamport: "1"},
		Body:    `{"id":"S1","air_temp":"13.3"}`,
	})
	require.NoError(t, protocol.WriteFrame(f.peerSide, []byte(put)))

	frame, err := protocol.ReadFrame(f.peerSide)
	require.NoError(t, err)
	resp, err := protocol.ParseResponse(string(frame))
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)
	require.NotNil(t, f.store.Get("S1"))

	require.NoError(t, f.peerSide.Close())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not stop after disconnect")
	}

	assert.Nil(t, f.store.Get("S1"))
	_, err = os.Stat(filepath.Join(f.dir, "S1.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestDisconnectLeavesReclaimedRecord(t *testing.T) {
	f := newFixture(t)

	resp := f.dispatch(t, protocol.MethodPut, "/weather.json", "1", `{"id":"S1"}`)
	require.Equal(t, 201, resp.Status)

	// Another connection takes over the station before this one drops.
	rec := f.store.Get("S1")
	require.NotNil(t, rec)
	_, err := rec.Merge(`{"id":"S1","v":"other"}`, 5, time.Now().UnixMilli(), 2, "10.0.0.9", 4040)
	require.NoError(t, err)

	f.conn.cleanup()
	assert.NotNil(t, f.store.Get("S1"))
}

func TestAggregateSkipsExpiredRecords(t *testing.T) {
	f := newFixture(t)

	f.dispatch(t, protocol.MethodPut, "/weather.json", "1", `{"id":"FRESH"}`)

	stale, _ := f.store.GetOrCreate("STALE")
	_, err := stale.Merge(`{"id":"STALE"}`, 1, time.Now().Add(-time.Minute).UnixMilli(), 1, "h", 1)
	require.NoError(t, err)

	resp := f.dispatch(t, protocol.MethodGet, "/", "2", "")
	assert.Equal(t, 200, resp.Status)
	assert.Contains(t, resp.Body, `"FRESH"`)
	assert.NotContains(t, resp.Body, `"STALE"`)

	// Expired records are also unreadable directly.
	resp = f.dispatch(t, protocol.MethodGet, "/STALE", "3", "")
	assert.Equal(t, 400, resp.Status)
}

func TestConcurrentPutsYieldUniqueSequence(t *testing.T) {
	f := newFixture(t)

	const writers = 5
	results := make(chan *protocol.Response, writers)
	for i := 0; i < writers; i++ {
		go func(n int) {
			serverSide, peerSide := net.Pipe()
			defer peerSide.Close()
			c := NewConnection(serverSide, f.store, f.clock, testMetrics, zaptest.NewLogger(t))
			results <- c.dispatch(protocol.FormatRequest(&protocol.Request{
				Method:  protocol.MethodPut,
				Target:  "/weather.json",
				Headers: map[string]string{protocol.HeaderLamport: strconv.Itoa(n + 1)},
				Body:    `{"id":"S` + strconv.Itoa(n) + `"}`,
			}))
			serverSide.Close()
		}(i)
	}

	for i := 0; i < writers; i++ {
		resp := <-results
		assert.Equal(t, 201, resp.Status)
	}
	assert.Equal(t, int64(writers), f.clock.UpdateCount())
	assert.Equal(t, writers, f.store.Len())
}
