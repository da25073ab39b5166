package observability

import (
	"net/http/httptest"
	"testing"

	"github.com/kd9lq/packetbbs/internal/testutil/testlog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	SessionOpened("link")
	SessionClosed("link")
	RecordCommand("HELP")
	RecordChatPairing()
	RecordStoreError()
}

func TestHandlerServesMetrics(t *testing.T) {
	testlog.Start(t)
	RecordCommand("VER")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("empty metrics body")
	}
}
