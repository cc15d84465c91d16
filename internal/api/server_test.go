package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glimte/mmate-gateway/bridge"
	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/health"
	"github.com/glimte/mmate-gateway/internal/config"
	"github.com/glimte/mmate-gateway/internal/telemetry"
	"github.com/glimte/mmate-gateway/messaging"
	"github.com/glimte/mmate-gateway/messaging/messagingtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// gateway wires a real bridge over the in-memory transport. Requests
// published to an outbound destination listed in replies are answered
// on their reply-to destination with the matching body.
type gateway struct {
	transport *messagingtest.Transport
	conn      *messaging.ConnectionManager
	bridge    *bridge.SyncAsyncBridge
	handler   http.Handler
}

func newGateway(t *testing.T, replies map[string]string, opts ...Option) *gateway {
	t.Helper()

	transport := messagingtest.New()
	transport.OnPublish = func(destination string, msg *messaging.OutboundMessage) {
		body, ok := replies[destination]
		if !ok || msg.ReplyTo == "" {
			return
		}
		headers := map[string]string{}
		if msg.CorrelationID != "" {
			headers["correlation-id"] = msg.CorrelationID
		}
		transport.Deliver(msg.ReplyTo, []byte(body), headers)
	}

	conn := messaging.NewConnectionManager(transport,
		messaging.WithLogger(discard),
		messaging.WithReconnectDelay(0))
	b, err := bridge.NewSyncAsyncBridge(conn, bridge.WithLogger(discard))
	require.NoError(t, err)

	t.Cleanup(func() {
		b.Close()
		conn.Close()
	})

	server := NewServer(b, append([]Option{WithLogger(discard)}, opts...)...)
	return &gateway{transport: transport, conn: conn, bridge: b, handler: server.Router()}
}

func (g *gateway) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)
	return rec
}

// published returns the decoded envelopes sent to destination
func (g *gateway) published(t *testing.T, destination string) []contracts.Envelope {
	t.Helper()
	var out []contracts.Envelope
	for _, p := range g.transport.Published() {
		if p.Destination != destination {
			continue
		}
		env, err := contracts.ParseEnvelope(p.Message.Body)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type routeOverrides struct {
	timeout time.Duration
	mode    bridge.Mode
	modeErr error
}

func (o routeOverrides) RouteTimeout(_ string, def time.Duration) time.Duration {
	if o.timeout > 0 {
		return o.timeout
	}
	return def
}

func (o routeOverrides) RouteMode(string) (bridge.Mode, error) { return o.mode, o.modeErr }

func TestOperationalEndpoints(t *testing.T) {
	t.Run("health is always ok", func(t *testing.T) {
		g := newGateway(t, nil)

		rec := g.do(t, http.MethodGet, "/api/health", "")

		assert.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "API Gateway is online!", body["message"])
	})

	t.Run("ready reflects registry", func(t *testing.T) {
		registry := health.NewRegistry()
		g := newGateway(t, nil, WithHealthRegistry(registry))
		registry.Register(health.NewBrokerChecker(g.conn))

		rec := g.do(t, http.MethodGet, "/api/ready", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		require.NoError(t, g.conn.Connect(context.Background()))
		rec = g.do(t, http.MethodGet, "/api/ready", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("metrics endpoint", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		g := newGateway(t, nil, WithMetrics(telemetry.NewMetrics(reg), reg))

		g.do(t, http.MethodGet, "/api/health", "")
		rec := g.do(t, http.MethodGet, "/metrics", "")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `mmate_gateway_http_requests_total{code="200",method="GET",route="health"} 1`)
	})

	t.Run("unknown route is json 404", func(t *testing.T) {
		g := newGateway(t, nil)

		rec := g.do(t, http.MethodGet, "/api/nope", "")

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "not_found", decode(t, rec)["code"])
	})

	t.Run("wrong method is json 405", func(t *testing.T) {
		g := newGateway(t, nil)

		rec := g.do(t, http.MethodDelete, "/api/therapy-plans", "")

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		assert.Equal(t, "method_not_allowed", decode(t, rec)["code"])
	})

	t.Run("request id is echoed and forwarded", func(t *testing.T) {
		g := newGateway(t, nil)
		req := httptest.NewRequest(http.MethodPost, "/api/test-broker-connection", nil)
		req.Header.Set("X-Request-ID", "abc-123")
		rec := httptest.NewRecorder()

		g.handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
		published := g.transport.Published()
		require.Len(t, published, 1)
		assert.Equal(t, "abc-123", published[0].Message.Headers[requestIDHeader])
	})
}

func TestExchangeRoutes(t *testing.T) {
	t.Run("excel data picks link fields", func(t *testing.T) {
		g := newGateway(t, map[string]string{
			"/queue/profiles_getExcelData": `{"downloadUrl":"http://files/x.xlsx","fileName":"x.xlsx","messageId":"m-1","source":"excel-parser","status":"generated","extra":true}`,
		})

		rec := g.do(t, http.MethodGet, "/api/profiles/getExcelData?type=DNI&documentNumber=12345678", "")

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decode(t, rec)
		assert.Equal(t, "http://files/x.xlsx", body["downloadUrl"])
		assert.Equal(t, "x.xlsx", body["fileName"])
		assert.Equal(t, "m-1", body["messageId"])
		assert.NotContains(t, body, "extra")

		sent := g.published(t, "/queue/profiles_getExcelData")
		require.Len(t, sent, 1)
		assert.Equal(t, "DNI", sent[0]["type"])
		assert.Equal(t, "12345678", sent[0]["documentNumber"])
		assert.NotEmpty(t, sent[0].RequestID())
		assert.NotEmpty(t, sent[0].Timestamp())
	})

	t.Run("excel data requires parameters", func(t *testing.T) {
		g := newGateway(t, nil)

		rec := g.do(t, http.MethodGet, "/api/profiles/getExcelData?type=DNI", "")

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "validation_error", body["code"])
		assert.Equal(t, []any{"documentNumber"}, body["missingFields"])
		assert.Empty(t, g.transport.Published())
	})

	t.Run("patient profiles", func(t *testing.T) {
		g := newGateway(t, map[string]string{
			"/queue/patientRecord_getProfiles": `{"totalResults":2,"currentPage":1,"maxPage":1,"patients":[{"id":1},{"id":2}]}`,
		})

		rec := g.do(t, http.MethodGet, "/api/profiles/getPatientProfiles?status=ACTIVE&page_size=10&page=1", "")

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decode(t, rec)
		assert.Equal(t, "success", body["status"])
		assert.Equal(t, float64(2), body["totalResults"])
		assert.Len(t, body["patients"], 2)
		assert.NotEmpty(t, body["timestamp"])

		sent := g.published(t, "/queue/patientRecord_getProfiles")
		require.Len(t, sent, 1)
		assert.Equal(t, "ACTIVE", sent[0]["status"])
		assert.Equal(t, float64(10), sent[0]["page_size"])
		assert.Equal(t, float64(1), sent[0]["page"])
	})

	t.Run("patient profiles without filters", func(t *testing.T) {
		g := newGateway(t, map[string]string{
			"/queue/patientRecord_getProfiles": `{"totalResults":0,"patients":[]}`,
		})

		rec := g.do(t, http.MethodGet, "/api/profiles/getPatientProfiles", "")

		require.Equal(t, http.StatusOK, rec.Code)
		sent := g.published(t, "/queue/patientRecord_getProfiles")
		require.Len(t, sent, 1)
		assert.NotContains(t, sent[0], "status")
		assert.NotContains(t, sent[0], "page")
	})

	t.Run("filiation files", func(t *testing.T) {
		g := newGateway(t, map[string]string{
			"/queue/patientRecord_getFilliationFiles": `{"files":["a"]}`,
		})

		rec := g.do(t, http.MethodGet, "/api/profiles/getFiliationFiles?patientId=7&versionNumber=2&orderBy=DESC", "")

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		data := decode(t, rec)["data"].(map[string]any)
		assert.Equal(t, []any{"a"}, data["files"])

		sent := g.published(t, "/queue/patientRecord_getFilliationFiles")
		require.Len(t, sent, 1)
		assert.Equal(t, float64(7), sent[0]["patientId"])
		assert.Equal(t, float64(2), sent[0]["versionNumber"])
		assert.Equal(t, "DESC", sent[0]["orderBy"])
	})

	t.Run("filiation files rejects non numeric id", func(t *testing.T) {
		g := newGateway(t, nil)

		rec := g.do(t, http.MethodGet, "/api/profiles/getFiliationFiles?patientId=abc", "")

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "patientId must be an integer", decode(t, rec)["message"])
	})

	t.Run("create assessment", func(t *testing.T) {
		g := newGateway(t, map[string]string{
			"/queue/scheduling_createReassessmentSession": `{"sessionId":99}`,
		})

		rec := g.do(t, http.MethodPost, "/api/assessments", `{"patientId":"3","therapistId":4,"scheduledTo":"2026-01-02T10:00:00Z"}`)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		data := decode(t, rec)["data"].(map[string]any)
		assert.Equal(t, float64(99), data["sessionId"])

		sent := g.published(t, "/queue/scheduling_createReassessmentSession")
		require.Len(t, sent, 1)
		assert.Equal(t, float64(3), sent[0]["patientId"])
		assert.Equal(t, float64(4), sent[0]["therapistId"])
	})

	t.Run("create assessment lists missing fields", func(t *testing.T) {
		g := newGateway(t, nil)

		rec := g.do(t, http.MethodPost, "/api/assessments", `{"patientId":0}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, []any{"patientId", "therapistId", "scheduledTo"}, decode(t, rec)["missingFields"])
	})

	t.Run("malformed json body", func(t *testing.T) {
		g := newGateway(t, nil)

		rec := g.do(t, http.MethodPost, "/api/assessments", `{"patientId":`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "validation_error", decode(t, rec)["code"])
	})

	t.Run("update assessment status uses path id", func(t *testing.T) {
		g := newGateway(t, map[string]string{
			"/queue/scheduling_updateAssessmentStatus": `{"updated":true}`,
		})

		rec := g.do(t, http.MethodPatch, "/api/assessments/42/status", `{"status":"DONE"}`)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		sent := g.published(t, "/queue/scheduling_updateAssessmentStatus")
		require.Len(t, sent, 1)
		assert.Equal(t, float64(42), sent[0]["assessmentId"])
		assert.Equal(t, "DONE", sent[0]["status"])
	})

	t.Run("get assessments defaults", func(t *testing.T) {
		g := newGateway(t, map[string]string{
			"/queue/scheduling_getAssessments": `{"content":[]}`,
		})

		rec := g.do(t, http.MethodGet, "/api/assessments?therapistId=5", "")

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		sent := g.published(t, "/queue/scheduling_getAssessments")
		require.Len(t, sent, 1)
		assert.Equal(t, float64(0), sent[0]["page"])
		assert.Equal(t, float64(10), sent[0]["size"])
		assert.Equal(t, float64(5), sent[0]["therapistId"])
		assert.Nil(t, sent[0]["patientId"])
		assert.Contains(t, sent[0], "patientId")
		assert.Nil(t, sent[0]["status"])
	})

	t.Run("get assessments rejects bad paging", func(t *testing.T) {
		g := newGateway(t, nil)

		rec := g.do(t, http.MethodGet, "/api/assessments?page=x", "")

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "page and size must be numbers", decode(t, rec)["message"])
	})

	t.Run("create therapy plan answers 201", func(t *testing.T) {
		g := newGateway(t, map[string]string{
			"/queue/scheduling_createTherapyPlan": `{"planId":1}`,
		})

		rec := g.do(t, http.MethodPost, "/api/therapy-plans",
			`{"assessmentId":1,"description":"d","goals":["walk"],"assignedTherapistId":2,"legalResponsibleId":3}`)

		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		sent := g.published(t, "/queue/scheduling_createTherapyPlan")
		require.Len(t, sent, 1)
		assert.Equal(t, []any{}, sent[0]["schedule"])
		assert.Equal(t, []any{"walk"}, sent[0]["goals"])
	})

	t.Run("get therapy plans", func(t *testing.T) {
		g := newGateway(t, map[string]string{
			"/queue/scheduling_getTherapyPlans": `{"content":[]}`,
		})

		rec := g.do(t, http.MethodGet, "/api/therapy-plans?patientId=8&size=5", "")

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		sent := g.published(t, "/queue/scheduling_getTherapyPlans")
		require.Len(t, sent, 1)
		assert.Equal(t, float64(8), sent[0]["patientId"])
		assert.Equal(t, float64(5), sent[0]["size"])
		assert.Nil(t, sent[0]["assessmentId"])
	})

	t.Run("medical records paged", func(t *testing.T) {
		g := newGateway(t, map[string]string{
			"/queue/apigateway_getMedicalRecord": `{"totalElements":3,"totalPages":1,"page":0,"size":10,"records":[1,2,3]}`,
		})

		rec := g.do(t, http.MethodGet, "/api/clinical-folders/medical-records/?patientId=1&orderBy=DESC", "")

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decode(t, rec)
		assert.Equal(t, "paged", body["mode"])
		assert.Equal(t, float64(3), body["totalElements"])
		assert.Len(t, body["records"], 3)
	})

	t.Run("medical records single from json body", func(t *testing.T) {
		g := newGateway(t, map[string]string{
			"/queue/apigateway_getMedicalRecord": `{"id":5,"versionNumber":2}`,
		})

		rec := g.do(t, http.MethodGet, "/api/clinical-folders/medical-records", `{"patientId":1,"versionNumber":2}`)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		body := decode(t, rec)
		assert.Equal(t, "single", body["mode"])
		record := body["record"].(map[string]any)
		assert.Equal(t, float64(5), record["id"])

		sent := g.published(t, "/queue/apigateway_getMedicalRecord")
		require.Len(t, sent, 1)
		assert.Equal(t, float64(2), sent[0]["versionNumber"])
		assert.Nil(t, sent[0]["orderBy"])
		assert.Nil(t, sent[0]["page"])
	})
}

func TestExchangeFailures(t *testing.T) {
	t.Run("no reply answers 504", func(t *testing.T) {
		g := newGateway(t, nil, WithRouteOverrides(routeOverrides{timeout: 30 * time.Millisecond}))

		start := time.Now()
		rec := g.do(t, http.MethodGet, "/api/therapy-plans", "")

		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "reply_timeout", body["code"])
		assert.Equal(t, "Timeout waiting for response from therapy plan service.", body["message"])
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
		assert.Equal(t, 0, g.bridge.PendingCount())
		assert.Equal(t, 0, g.transport.ActiveSubscriptions("/queue/apigateway_therapyPlansResponse"))
	})

	t.Run("unreachable broker answers 503", func(t *testing.T) {
		g := newGateway(t, nil)
		g.transport.SetConnectErr(errors.New("connection refused"))

		rec := g.do(t, http.MethodGet, "/api/therapy-plans", "")

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, "broker_unavailable", decode(t, rec)["code"])
	})

	t.Run("uncorrelated reply is ignored in correlated mode", func(t *testing.T) {
		g := newGateway(t, nil, WithRouteOverrides(routeOverrides{timeout: 50 * time.Millisecond}))
		g.transport.OnPublish = func(_ string, msg *messaging.OutboundMessage) {
			g.transport.Deliver(msg.ReplyTo, []byte(`{"requestId":"someone-else"}`), nil)
		}

		rec := g.do(t, http.MethodGet, "/api/therapy-plans", "")

		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	})

	t.Run("first reply mode accepts any reply", func(t *testing.T) {
		g := newGateway(t, nil, WithRouteOverrides(routeOverrides{mode: bridge.ModeFirstReply}))
		g.transport.OnPublish = func(_ string, msg *messaging.OutboundMessage) {
			assert.Empty(t, msg.CorrelationID)
			g.transport.Deliver(msg.ReplyTo, []byte(`{"content":[1]}`), nil)
		}

		rec := g.do(t, http.MethodGet, "/api/therapy-plans", "")

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		data := decode(t, rec)["data"].(map[string]any)
		assert.Equal(t, []any{float64(1)}, data["content"])
	})
}

func TestRouteConfig(t *testing.T) {
	t.Run("bridge default timeout applies to routes without an override", func(t *testing.T) {
		cfg := config.Default()
		cfg.Bridge.DefaultTimeout = 30 * time.Millisecond
		g := newGateway(t, nil, WithRouteOverrides(cfg))

		start := time.Now()
		rec := g.do(t, http.MethodGet, "/api/therapy-plans", "")

		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
		assert.Less(t, time.Since(start), defaultExchangeTimeout)
	})

	t.Run("route override wins over the bridge default", func(t *testing.T) {
		cfg := config.Default()
		cfg.Bridge.DefaultTimeout = time.Minute
		cfg.Routes["getTherapyPlans"] = config.RouteConfig{Timeout: 30 * time.Millisecond}
		g := newGateway(t, nil, WithRouteOverrides(cfg))

		start := time.Now()
		rec := g.do(t, http.MethodGet, "/api/therapy-plans", "")

		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
		assert.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("unknown route mode answers 500 without publishing", func(t *testing.T) {
		g := newGateway(t, nil, WithRouteOverrides(routeOverrides{modeErr: errors.New("unknown correlation mode \"sometimes\"")}))

		rec := g.do(t, http.MethodGet, "/api/therapy-plans", "")

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "internal_error", body["code"])
		assert.Contains(t, body["details"], "sometimes")
		assert.Empty(t, g.transport.Published())
	})
}

func TestFireAndForgetRoutes(t *testing.T) {
	therapist := `{"firstNames":"Ana","paternalSurname":"Quispe","maternalSurname":"Rojas",` +
		`"identityDocumentNumber":"44556677","documentType":"DNI","phone":"999",` +
		`"email":"ana@example.com","specialtyName":"Physio","attentionPlaceAddress":"Av. 1"}`

	t.Run("add therapist", func(t *testing.T) {
		g := newGateway(t, nil)

		rec := g.do(t, http.MethodPost, "/api/profiles-therapist/add-therapist", therapist)

		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		body := decode(t, rec)
		assert.Equal(t, "accepted", body["status"])
		assert.Equal(t, "44556677", body["therapistId"])

		sent := g.published(t, therapistDestination)
		require.Len(t, sent, 1)
		assert.Equal(t, "Ana", sent[0]["firstNames"])
		assert.NotEmpty(t, sent[0].Timestamp())
	})

	t.Run("add therapist lists every missing field", func(t *testing.T) {
		g := newGateway(t, nil)

		rec := g.do(t, http.MethodPost, "/api/profiles-therapist/add-therapist", `{}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Len(t, decode(t, rec)["missingFields"], len(therapistFields))
		assert.Empty(t, g.transport.Published())
	})

	t.Run("test broker connection", func(t *testing.T) {
		g := newGateway(t, nil)

		rec := g.do(t, http.MethodPost, "/api/test-broker-connection", "")

		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, testHelloDestination, decode(t, rec)["destination"])
		sent := g.published(t, testHelloDestination)
		require.Len(t, sent, 1)
		assert.Equal(t, "Hello from API Gateway!", sent[0]["message"])
	})

	t.Run("test broker connection with broker down", func(t *testing.T) {
		g := newGateway(t, nil)
		g.transport.SetConnectErr(errors.New("connection refused"))

		rec := g.do(t, http.MethodPost, "/api/test-broker-connection", "")

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
