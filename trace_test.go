package opctx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
)

func TestTraceEntryCapturesCallSite(t *testing.T) {
	tracker := newTestTracker(clockz.NewFakeClock())
	defer tracker.Close()
	op := tracker.Start()

	require.NoError(t, op.SetValues(Values{"step": 1}))

	raw, err := op.ToJSON()
	require.NoError(t, err)

	var out contextJSON
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Trace, 1)
	require.NotNil(t, out.Trace[0].Site)
	require.True(t, strings.Contains(out.Trace[0].Site.Function, "TestTraceEntryCapturesCallSite"),
		"expected recording call site, got %s", out.Trace[0].Site.Function)
	require.NotEmpty(t, out.Trace[0].Site.File)
	require.NotZero(t, out.Trace[0].Site.Line)
	require.NotZero(t, out.Trace[0].At)
}

func TestToShortJSONFiltersEmptyEntries(t *testing.T) {
	tracker := newTestTracker(clockz.NewFakeClock())
	defer tracker.Close()
	op := tracker.Start()

	require.NoError(t, op.SetValues(Values{}))
	require.NoError(t, op.SetValues(Values{"step": 2}))

	long, err := op.ToJSON()
	require.NoError(t, err)
	var longOut contextJSON
	require.NoError(t, json.Unmarshal(long, &longOut))
	require.Len(t, longOut.Trace, 2)

	short, err := op.ToShortJSON()
	require.NoError(t, err)
	var shortOut contextJSON
	require.NoError(t, json.Unmarshal(short, &shortOut))
	require.Len(t, shortOut.Trace, 1)
	require.Equal(t, float64(2), shortOut.Trace[0].Values["step"])
	// Reduced detail: no call sites in the short form.
	require.Nil(t, shortOut.Trace[0].Site)
	require.Zero(t, shortOut.Trace[0].At)
}

func TestAddHTTPRequest(t *testing.T) {
	tracker := newTestTracker(clockz.NewFakeClock())
	defer tracker.Close()
	op := tracker.Start()

	req := httptest.NewRequest(http.MethodGet, "http://example.com/widgets?q=1", nil)
	resp := &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		ContentLength: 42,
	}
	require.NoError(t, op.AddHTTPRequest(req, resp))

	raw, err := op.ToJSON()
	require.NoError(t, err)
	var out contextJSON
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Trace, 1)

	request, ok := out.Trace[0].Values["request"].(map[string]any)
	require.True(t, ok, "expected request summary, got %T", out.Trace[0].Values["request"])
	require.Equal(t, "GET", request["method"])
	require.Equal(t, "http://example.com/widgets?q=1", request["url"])
	require.Equal(t, "example.com", request["host"])

	response, ok := out.Trace[0].Values["response"].(map[string]any)
	require.True(t, ok, "expected response summary, got %T", out.Trace[0].Values["response"])
	require.Equal(t, float64(http.StatusOK), response["statusCode"])
	require.Equal(t, "200 OK", response["status"])
	require.Equal(t, float64(42), response["contentLength"])
}

func TestAddHTTPRequestNilArguments(t *testing.T) {
	tracker := newTestTracker(clockz.NewFakeClock())
	defer tracker.Close()
	op := tracker.Start()

	require.NoError(t, op.AddHTTPRequest(nil, nil))

	raw, err := op.ToJSON()
	require.NoError(t, err)
	var out contextJSON
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Trace, 1)
	require.Nil(t, out.Trace[0].Values["request"])
	require.Nil(t, out.Trace[0].Values["response"])
}

func TestAddHTTPRequestAfterTerminalFails(t *testing.T) {
	tracker := newTestTracker(clockz.NewFakeClock())
	defer tracker.Close()
	op := tracker.Start()

	require.NoError(t, op.Cancel())
	require.Error(t, op.AddHTTPRequest(nil, nil))
}
