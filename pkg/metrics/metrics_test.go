package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	r "github.com/stretchr/testify/require"
)

func scrape(t *testing.T, rep *Reporter) string {
	t.Helper()
	srv := httptest.NewServer(rep.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	r.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	r.NoError(t, err)
	return string(body)
}

func TestReporter_Exposition(t *testing.T) {
	rep := NewReporter()
	rep.IncEnqueued("WebSiteA")
	rep.IncEnqueued("WebSiteA")
	rep.IncEnqueued("WebSiteB")
	rep.ReportError(StageConnect, errors.New("connection refused"))
	rep.IncReconnect()

	body := scrape(t, rep)
	r.Contains(t, body, `Enqueued_Item{Source="WebSiteA"} 2`)
	r.Contains(t, body, `Enqueued_Item{Source="WebSiteB"} 1`)
	r.Contains(t, body, `tracebus_errors_total{stage="connect"} 1`)
	r.Contains(t, body, `tracebus_reconnect_attempts_total 1`)
}

func TestReporter_NilSafe(t *testing.T) {
	var rep *Reporter
	r.NotPanics(t, func() {
		rep.IncEnqueued("WebSiteA")
		rep.ReportError(StageProcess, errors.New("boom"))
		rep.IncReconnect()
	})
}
