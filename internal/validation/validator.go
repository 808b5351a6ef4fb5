package validation

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/devrev/weathermesh/internal/errors"
	"github.com/devrev/weathermesh/internal/protocol"
)

// targetPattern accepts "/" or "/<station-id>" with no further slashes.
var targetPattern = regexp.MustCompile(`^/[^/]*$`)

// Validator validates incoming protocol requests
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateGet checks a GET request. Returns the requested station id
// ("" for the all-records target) and the peer Lamport value.
func (v *Validator) ValidateGet(req *protocol.Request) (string, int64, *errors.ProtocolError) {
	if !targetPattern.MatchString(req.Target) {
		return "", 0, errors.InvalidTarget(req.Target)
	}

	lamport, perr := v.peerLamport(req)
	if perr != nil {
		return "", 0, perr
	}

	return strings.TrimPrefix(req.Target, "/"), lamport, nil
}

// ValidatePut checks a PUT request. Returns the station id extracted from
// the body and the peer Lamport value.
func (v *Validator) ValidatePut(req *protocol.Request) (string, int64, *errors.ProtocolError) {
	lamport, perr := v.peerLamport(req)
	if perr != nil {
		return "", 0, perr
	}

	// A body that does not even start a JSON object is treated as no
	// content; only a "{"-prefixed body that fails to parse is a server
	// error.
	body := strings.TrimSpace(req.Body)
	if !strings.HasPrefix(body, "{") {
		return "", lamport, errors.EmptyBody()
	}
	if !json.Valid([]byte(body)) {
		return "", lamport, errors.MalformedBody(nil)
	}

	id, err := stationID(body)
	if err != nil {
		return "", lamport, errors.MalformedBody(err)
	}
	if id == "" {
		return "", lamport, errors.MissingStationID()
	}

	return id, lamport, nil
}

// ValidateSync checks a SYNC request and returns the peer Lamport value.
func (v *Validator) ValidateSync(req *protocol.Request) (int64, *errors.ProtocolError) {
	return v.peerLamport(req)
}

// peerLamport extracts and parses the Lamport-Clock header.
func (v *Validator) peerLamport(req *protocol.Request) (int64, *errors.ProtocolError) {
	raw, ok := req.Header(protocol.HeaderLamport)
	if !ok {
		return 0, errors.MissingLamport()
	}
	lamport, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.InvalidLamport(raw, err)
	}
	return lamport, nil
}

// stationID pulls the "id" field out of a JSON object body.
func stationID(body string) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return "", err
	}
	raw, ok := fields["id"]
	if !ok {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", err
	}
	return id, nil
}
