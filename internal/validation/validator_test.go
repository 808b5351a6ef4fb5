package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/weathermesh/internal/errors"
	"github.com/devrev/weathermesh/internal/protocol"
)

func getRequest(target string, headers map[string]string) *protocol.Request {
	return &protocol.Request{Method: protocol.MethodGet, Target: target, Headers: headers}
}

func putRequest(body string, headers map[string]string) *protocol.Request {
	return &protocol.Request{Method: protocol.MethodPut, Target: "/weather.json", Headers: headers, Body: body}
}

func lamportHeader(v string) map[string]string {
	return map[string]string{protocol.HeaderLamport: v}
}

func TestValidateGet(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name       string
		target     string
		headers    map[string]string
		wantID     string
		wantPeer   int64
		wantCode   errors.ErrorCode
		wantStatus int
	}{
		{"all records", "/", lamportHeader("3"), "", 3, errors.ErrCodeOK, 200},
		{"single station", "/IDS60901", lamportHeader("9"), "IDS60901", 9, errors.ErrCodeOK, 200},
		{"nested path", "/a/b", lamportHeader("1"), "", 0, errors.ErrCodeInvalidTarget, 400},
		{"no leading slash", "weather", lamportHeader("1"), "", 0, errors.ErrCodeInvalidTarget, 400},
		{"missing lamport", "/S1", nil, "", 0, errors.ErrCodeMissingLamport, 400},
		{"garbage lamport", "/S1", lamportHeader("abc"), "", 0, errors.ErrCodeInvalidLamport, 400},
		{"trimmed lamport", "/S1", lamportHeader(" 5 "), "S1", 5, errors.ErrCodeOK, 200},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, peer, verr := v.ValidateGet(getRequest(tt.target, tt.headers))
			if tt.wantCode == errors.ErrCodeOK {
				require.Nil(t, verr)
				assert.Equal(t, tt.wantID, id)
				assert.Equal(t, tt.wantPeer, peer)
				return
			}
			require.NotNil(t, verr)
			assert.Equal(t, tt.wantCode, verr.Code)
			assert.Equal(t, tt.wantStatus, verr.WireStatus())
		})
	}
}

func TestValidatePut(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name       string
		body       string
		headers    map[string]string
		wantID     string
		wantCode   errors.ErrorCode
		wantStatus int
	}{
		{"valid", `{"id":"S1","t":"13.3"}`, lamportHeader("2"), "S1", errors.ErrCodeOK, 200},
		{"missing lamport", `{"id":"S1"}`, nil, "", errors.ErrCodeMissingLamport, 400},
		{"empty body", "", lamportHeader("1"), "", errors.ErrCodeEmptyBody, 204},
		{"whitespace body", "   ", lamportHeader("1"), "", errors.ErrCodeEmptyBody, 204},
		{"array body", `[1,2]`, lamportHeader("1"), "", errors.ErrCodeEmptyBody, 204},
		{"plain text body", `air_temp 13.3`, lamportHeader("1"), "", errors.ErrCodeEmptyBody, 204},
		{"broken json", `{id: ,}`, lamportHeader("1"), "", errors.ErrCodeMalformedBody, 500},
		{"no id field", `{"t":"13.3"}`, lamportHeader("1"), "", errors.ErrCodeMissingStationID, 400},
		{"empty id", `{"id":""}`, lamportHeader("1"), "", errors.ErrCodeMissingStationID, 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, _, verr := v.ValidatePut(putRequest(tt.body, tt.headers))
			if tt.wantCode == errors.ErrCodeOK {
				require.Nil(t, verr)
				assert.Equal(t, tt.wantID, id)
				return
			}
			require.NotNil(t, verr)
			assert.Equal(t, tt.wantCode, verr.Code)
			assert.Equal(t, tt.wantStatus, verr.WireStatus())
		})
	}
}

func TestValidatePutKeepsPeerLamportOnBodyFailure(t *testing.T) {
	v := NewValidator()
	_, peer, verr := v.ValidatePut(putRequest("", lamportHeader("11")))
	require.NotNil(t, verr)
	assert.Equal(t, int64(11), peer)
}

func TestValidateSync(t *testing.T) {
	v := NewValidator()

	peer, verr := v.ValidateSync(&protocol.Request{Method: protocol.MethodSync, Target: "/", Headers: lamportHeader("7")})
	require.Nil(t, verr)
	assert.Equal(t, int64(7), peer)

	_, verr = v.ValidateSync(&protocol.Request{Method: protocol.MethodSync, Target: "/"})
	assert.NotNil(t, verr)
}
