package api

import (
	"net/http"

	"github.com/glimte/mmate-gateway/bridge"
	"github.com/glimte/mmate-gateway/contracts"
	"github.com/glimte/mmate-gateway/internal/telemetry"
)

const (
	therapistDestination = "/queue/profiles_therapist"
	testHelloDestination = "/queue/test.hello"
	requestIDHeader      = "x-request-id"
)

var therapistFields = []string{
	"firstNames", "paternalSurname", "maternalSurname",
	"identityDocumentNumber", "documentType", "phone",
	"email", "specialtyName", "attentionPlaceAddress",
}

func (s *Server) handleExchange(ex exchange) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := telemetry.FromContext(r.Context())

		p, err := readParams(r)
		if err != nil {
			writeFailure(w, r, ex.timeoutMessage, err)
			return
		}
		payload, err := ex.build(r, p, s.now())
		if err != nil {
			logger.Debug("request rejected", "route", ex.name, "error", err)
			writeFailure(w, r, ex.timeoutMessage, err)
			return
		}

		timeout := ex.timeout
		opts := s.submitOptions(w)
		if s.routes != nil {
			mode, err := s.routes.RouteMode(ex.name)
			if err != nil {
				writeFailure(w, r, ex.timeoutMessage, err)
				return
			}
			timeout = s.routes.RouteTimeout(ex.name, timeout)
			opts = append(opts, bridge.WithSubmitMode(mode))
		}

		reply, err := s.requester.Submit(r.Context(), ex.outbound, payload, ex.inbound, timeout, opts...)
		if err != nil {
			writeFailure(w, r, ex.timeoutMessage, err)
			return
		}

		logger.Debug("reply received",
			"route", ex.name,
			"inbound", ex.inbound,
			"correlationId", reply.CorrelationID)
		writeJSON(w, ex.status, ex.respond(reply, s.timestamp()))
	}
}

func (s *Server) handleAddTherapist(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeFailure(w, r, "", err)
		return
	}

	get := func(key string) any { return body[key] }
	if fields := missing(get, therapistFields...); len(fields) > 0 {
		writeFailure(w, r, "", missingFieldsError(fields))
		return
	}

	payload := contracts.Envelope{"timestamp": s.timestamp()}
	for _, key := range therapistFields {
		payload[key] = body[key]
	}

	if err := s.requester.Send(r.Context(), therapistDestination, payload, s.submitOptions(w)...); err != nil {
		writeFailure(w, r, "", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "accepted",
		"message":     "Therapist profile successfully published to queue.",
		"destination": therapistDestination,
		"therapistId": body["identityDocumentNumber"],
	})
}

func (s *Server) handleTestBrokerConnection(w http.ResponseWriter, r *http.Request) {
	payload := contracts.Envelope{
		"message": "Hello from API Gateway!",
		"time":    s.now().UnixMilli(),
	}

	if err := s.requester.Send(r.Context(), testHelloDestination, payload, s.submitOptions(w)...); err != nil {
		writeFailure(w, r, "", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "accepted",
		"message":     "Test message successfully published to broker.",
		"destination": testHelloDestination,
	})
}

// submitOptions forwards the HTTP request id as a transport header
func (s *Server) submitOptions(w http.ResponseWriter) []bridge.SubmitOption {
	if id := w.Header().Get("X-Request-ID"); id != "" {
		return []bridge.SubmitOption{bridge.WithHeader(requestIDHeader, id)}
	}
	return nil
}
