package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/weathermesh/internal/util"
)

// ExpiryPolicy holds the thresholds the expiry predicate checks.
type ExpiryPolicy struct {
	MaxAge       time.Duration
	MaxUpdateLag int64
}

// recordMeta is the metadata block of the persisted document.
type recordMeta struct {
	Lamport     int64  `json:"lamport"`
	LastUpdated int64  `json:"lastUpdated"`
	UpdateCount int64  `json:"updateCount"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Checksum    uint32 `json:"checksum"`
}

// persistedRecord is the on-disk document. The body is embedded verbatim.
type persistedRecord struct {
	Meta recordMeta      `json:"meta"`
	Body json.RawMessage `json:"body"`
}

// Record is the unit of storage for one weather station. All field access
// goes through the RWMutex; Merge and the removal paths take it exclusive,
// readers share it.
type Record struct {
	id     string
	dir    string
	policy ExpiryPolicy
	logger *zap.Logger

	mu          sync.RWMutex
	body        string
	lamport     int64
	lastUpdated int64
	globalSeq   int64
	originHost  string
	originPort  int
}

// newRecord creates a blank record for the given station id.
func newRecord(id, dir string, policy ExpiryPolicy, logger *zap.Logger) *Record {
	return &Record{
		id:     id,
		dir:    dir,
		policy: policy,
		logger: logger,
	}
}

// ID returns the station id.
func (r *Record) ID() string {
	return r.id
}

// Body returns the stored body text.
func (r *Record) Body() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.body
}

// Lamport returns the stored Lamport timestamp.
func (r *Record) Lamport() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lamport
}

// Origin returns the host and port of the connection that last updated
// the record.
func (r *Record) Origin() (string, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.originHost, r.originPort
}

// Merge applies an update to the record. Updates whose Lamport timestamp is
// not strictly greater than the stored one are ignored. An admitted update
// is persisted first; the in-memory fields change only after the file is
// safely in place, so a persist failure leaves the record as it was.
func (r *Record) Merge(body string, lamport, nowMs, seq int64, host string, port int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lamport <= r.lamport {
		return false, nil
	}

	meta := recordMeta{
		Lamport:     lamport,
		LastUpdated: nowMs,
		UpdateCount: seq,
		Host:        host,
		Port:        port,
	}
	if err := r.persistLocked(meta, body); err != nil {
		return false, err
	}

	r.body = body
	r.lamport = lamport
	r.lastUpdated = nowMs
	r.globalSeq = seq
	r.originHost = host
	r.originPort = port
	return true, nil
}

// IsExpired reports whether the record is stale: older than the age
// threshold, or left behind by more than the update-lag threshold of
// global updates.
func (r *Record) IsExpired(currentSeq int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isExpiredLocked(currentSeq, time.Now().UnixMilli())
}

func (r *Record) isExpiredLocked(currentSeq, nowMs int64) bool {
	if nowMs-r.lastUpdated > r.policy.MaxAge.Milliseconds() {
		return true
	}
	return currentSeq-r.globalSeq > r.policy.MaxUpdateLag
}

// load reads the record's file from disk. An unreadable or corrupt file
// leaves the record blank; the failure is logged, not returned, so one bad
// file cannot stop bootstrap.
func (r *Record) load() {
	path := r.filePath()
	data, err := os.ReadFile(path)
	if err != nil {
		r.logger.Warn("Failed to read record file, starting blank",
			zap.String("station_id", r.id),
			zap.String("path", path),
			zap.Error(err))
		return
	}

	var doc persistedRecord
	if err := json.Unmarshal(data, &doc); err != nil {
		r.logger.Warn("Failed to parse record file, starting blank",
			zap.String("station_id", r.id),
			zap.String("path", path),
			zap.Error(err))
		return
	}
	if !util.ValidateChecksum(doc.Body, doc.Meta.Checksum) {
		r.logger.Warn("Record file checksum mismatch, starting blank",
			zap.String("station_id", r.id),
			zap.String("path", path))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.body = string(doc.Body)
	r.lamport = doc.Meta.Lamport
	r.lastUpdated = doc.Meta.LastUpdated
	r.globalSeq = doc.Meta.UpdateCount
	r.originHost = doc.Meta.Host
	r.originPort = doc.Meta.Port
}

// persistLocked writes the record document to a temp file and atomically
// renames it over the real file. The document is assembled by hand because
// re-encoding the body would compact and re-escape it; the stored text must
// stay byte-identical to what the station sent. Callers hold the exclusive
// lock and pass a validated JSON object as the body.
func (r *Record) persistLocked(meta recordMeta, body string) error {
	meta.Checksum = util.ComputeChecksum([]byte(body))
	metaData, err := json.Marshal(&meta)
	if err != nil {
		return fmt.Errorf("failed to encode record %s: %w", r.id, err)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"meta":`)
	buf.Write(metaData)
	buf.WriteString(`,"body":`)
	buf.WriteString(body)
	buf.WriteString(`}`)

	tempPath := r.tempFilePath()
	if err := os.WriteFile(tempPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write temp file for record %s: %w", r.id, err)
	}
	if err := os.Rename(tempPath, r.filePath()); err != nil {
		return fmt.Errorf("failed to move record %s into place: %w", r.id, err)
	}
	return nil
}

// deleteFileLocked removes the record's file. A missing file is not an
// error. Callers hold the exclusive lock.
func (r *Record) deleteFileLocked() {
	if err := os.Remove(r.filePath()); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("Failed to delete record file",
			zap.String("station_id", r.id),
			zap.Error(err))
	}
}

func (r *Record) filePath() string {
	return filepath.Join(r.dir, r.id+".json")
}

func (r *Record) tempFilePath() string {
	return filepath.Join(r.dir, r.id+"-temp.json")
}
