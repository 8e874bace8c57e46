package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmapos/pharmapos-backend/pkg/httputil"
)

// APIResponse is the httputil envelope with the data left raw for a second decode
type APIResponse struct {
	Success bool                `json:"success"`
	Data    json.RawMessage     `json:"data"`
	Error   *httputil.ErrorBody `json:"error"`
	Meta    *httputil.Meta      `json:"meta"`
}

// DecodeData unmarshals the data member into target
func (r APIResponse) DecodeData(t *testing.T, target interface{}) {
	t.Helper()
	require.NotEmpty(t, r.Data, "response has no data")
	require.NoError(t, json.Unmarshal(r.Data, target))
}

// NewHTTPRequest builds a request with body encoded as JSON; nil means no body
func NewHTTPRequest(method, path string, body interface{}) *http.Request {
	if body == nil {
		return httptest.NewRequest(method, path, nil)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		panic("testutil: request body does not marshal: " + err.Error())
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithTenantHeader sets the X-Tenant-ID header the gateway forwards; empty leaves the default scope
func WithTenantHeader(req *http.Request, tenantID string) *http.Request {
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}
	return req
}

// ExecuteRequest serves req and returns the recorded response
func ExecuteRequest(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

// ParseResponse decodes the envelope. Plain-text responses, such as the
// middleware's tenant rejection, yield a zero APIResponse.
func ParseResponse(t *testing.T, rr *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var res APIResponse
	if rr.Header().Get("Content-Type") != "application/json" {
		return res
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res), "body: %s", rr.Body.String())
	return res
}

// AssertStatus asserts the response status code
func AssertStatus(t *testing.T, rr *httptest.ResponseRecorder, expected int) {
	t.Helper()
	assert.Equal(t, expected, rr.Code, "unexpected status code. Body: %s", rr.Body.String())
}

// AssertError asserts status and error code, and returns the error body for further checks
func AssertError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) *httputil.ErrorBody {
	t.Helper()
	AssertStatus(t, rr, status)
	res := ParseResponse(t, rr)
	require.NotNil(t, res.Error, "expected an error body: %s", rr.Body.String())
	assert.False(t, res.Success)
	assert.Equal(t, code, res.Error.Code)
	if res.Error.Retryable {
		assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	} else {
		assert.Empty(t, rr.Header().Get("Retry-After"))
	}
	return res.Error
}

// AssertBodyContains asserts the response body contains a string
func AssertBodyContains(t *testing.T, rr *httptest.ResponseRecorder, expected string) {
	t.Helper()
	assert.Contains(t, rr.Body.String(), expected)
}

// DefaultTestContext returns a context cancelled after 30 seconds or when the test ends
func DefaultTestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// SkipIfShort skips container-backed tests under -short
func SkipIfShort(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// PtrBool returns a pointer to the bool
func PtrBool(b bool) *bool {
	return &b
}
