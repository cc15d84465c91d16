package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/glimte/mmate-gateway/contracts"
	"github.com/gorilla/mux"
)

const (
	defaultExchangeTimeout = 15 * time.Second
	excelExchangeTimeout   = 10 * time.Second
)

// exchange is one HTTP route answered by a request/reply round trip
type exchange struct {
	name     string
	method   string
	path     string
	outbound string
	inbound  string
	timeout  time.Duration
	status   int

	// timeoutMessage answers a request that got no reply in time
	timeoutMessage string

	build   func(r *http.Request, p *params, now time.Time) (contracts.Envelope, error)
	respond func(reply *contracts.Reply, timestamp string) any
}

var exchanges = []exchange{
	{
		name:           "getExcelData",
		method:         http.MethodGet,
		path:           "/profiles/getExcelData",
		outbound:       "/queue/profiles_getExcelData",
		inbound:        "/queue/excel-generated-links",
		timeout:        excelExchangeTimeout,
		status:         http.StatusOK,
		timeoutMessage: "Timeout waiting for a reply on excel-generated-links.",
		build:          buildExcelData,
		respond:        respondExcelLink,
	},
	{
		name:           "getPatientProfiles",
		method:         http.MethodGet,
		path:           "/profiles/getPatientProfiles",
		outbound:       "/queue/patientRecord_getProfiles",
		inbound:        "/queue/apigateway_patientData",
		timeout:        defaultExchangeTimeout,
		status:         http.StatusOK,
		timeoutMessage: "Timeout waiting for the patient profiles reply.",
		build:          buildPatientProfiles,
		respond:        respondPatientProfiles,
	},
	{
		name:           "getFiliationFiles",
		method:         http.MethodGet,
		path:           "/profiles/getFiliationFiles",
		outbound:       "/queue/patientRecord_getFilliationFiles",
		inbound:        "/queue/apigateway_filiationFiles",
		timeout:        defaultExchangeTimeout,
		status:         http.StatusOK,
		timeoutMessage: "Timeout waiting for the filiation files reply.",
		build:          buildFiliationFiles,
		respond:        respondData,
	},
	{
		name:           "createAssessment",
		method:         http.MethodPost,
		path:           "/assessments",
		outbound:       "/queue/scheduling_createReassessmentSession",
		inbound:        "/queue/apigateway_reassessmentSessionCreated",
		timeout:        defaultExchangeTimeout,
		status:         http.StatusOK,
		timeoutMessage: "Timeout waiting for response from the session service.",
		build:          buildCreateAssessment,
		respond:        respondData,
	},
	{
		name:           "updateAssessmentStatus",
		method:         http.MethodPatch,
		path:           "/assessments/{id}/status",
		outbound:       "/queue/scheduling_updateAssessmentStatus",
		inbound:        "/queue/apigateway_assessmentStatusUpdated",
		timeout:        defaultExchangeTimeout,
		status:         http.StatusOK,
		timeoutMessage: "Timeout waiting for status update response.",
		build:          buildUpdateAssessmentStatus,
		respond:        respondData,
	},
	{
		name:           "getAssessments",
		method:         http.MethodGet,
		path:           "/assessments",
		outbound:       "/queue/scheduling_getAssessments",
		inbound:        "/queue/apigateway_assessmentsResponse",
		timeout:        defaultExchangeTimeout,
		status:         http.StatusOK,
		timeoutMessage: "Timeout waiting for response from assessment service.",
		build:          buildGetAssessments,
		respond:        respondData,
	},
	{
		name:           "createTherapyPlan",
		method:         http.MethodPost,
		path:           "/therapy-plans",
		outbound:       "/queue/scheduling_createTherapyPlan",
		inbound:        "/queue/apigateway_therapyPlanCreated",
		timeout:        defaultExchangeTimeout,
		status:         http.StatusCreated,
		timeoutMessage: "Timeout waiting for response from therapy plan service.",
		build:          buildCreateTherapyPlan,
		respond:        respondData,
	},
	{
		name:           "getTherapyPlans",
		method:         http.MethodGet,
		path:           "/therapy-plans",
		outbound:       "/queue/scheduling_getTherapyPlans",
		inbound:        "/queue/apigateway_therapyPlansResponse",
		timeout:        defaultExchangeTimeout,
		status:         http.StatusOK,
		timeoutMessage: "Timeout waiting for response from therapy plan service.",
		build:          buildGetTherapyPlans,
		respond:        respondData,
	},
	{
		name:           "getMedicalRecords",
		method:         http.MethodGet,
		path:           "/clinical-folders/medical-records{slash:/?}",
		outbound:       "/queue/apigateway_getMedicalRecord",
		inbound:        "/queue/medicalRecord_responseToGateway",
		timeout:        defaultExchangeTimeout,
		status:         http.StatusOK,
		timeoutMessage: "Timeout waiting for the medical history service.",
		build:          buildMedicalRecords,
		respond:        respondMedicalRecords,
	},
}

func requestID(kind string, now time.Time) string {
	if kind == "" {
		return fmt.Sprintf("req-%d", now.UnixMilli())
	}
	return fmt.Sprintf("req-%s-%d", kind, now.UnixMilli())
}

func buildExcelData(_ *http.Request, p *params, now time.Time) (contracts.Envelope, error) {
	if fields := missing(p.get, "type", "documentNumber"); len(fields) > 0 {
		return nil, &ValidationError{Message: "type and documentNumber are required", MissingFields: fields}
	}
	return contracts.Envelope{
		"type":           p.get("type"),
		"documentNumber": p.get("documentNumber"),
		"timestamp":      contracts.FormatTimestamp(now),
	}, nil
}

func buildPatientProfiles(_ *http.Request, p *params, now time.Time) (contracts.Envelope, error) {
	env := contracts.Envelope{
		"timestamp": contracts.FormatTimestamp(now),
		"requestId": requestID("", now),
	}
	if status := p.get("status"); truthy(status) {
		env["status"] = status
	}
	for _, key := range []string{"page_size", "page"} {
		n, err := optionalInt(key, p.get(key))
		if err != nil {
			return nil, err
		}
		if n != nil {
			env[key] = n
		}
	}
	return env, nil
}

func buildFiliationFiles(_ *http.Request, p *params, now time.Time) (contracts.Envelope, error) {
	if fields := missing(p.get, "patientId"); len(fields) > 0 {
		return nil, &ValidationError{Message: "patientId is required", MissingFields: fields}
	}
	patientID, err := intValue("patientId", p.get("patientId"))
	if err != nil {
		return nil, err
	}

	env := contracts.Envelope{
		"patientId": patientID,
		"timestamp": contracts.FormatTimestamp(now),
		"requestId": requestID("filiation", now),
	}
	version, err := optionalInt("versionNumber", p.get("versionNumber"))
	if err != nil {
		return nil, err
	}
	if version != nil {
		env["versionNumber"] = version
	}
	if orderBy := p.get("orderBy"); truthy(orderBy) {
		env["orderBy"] = orderBy
	}
	return env, nil
}

func buildCreateAssessment(_ *http.Request, p *params, now time.Time) (contracts.Envelope, error) {
	field := p.field
	if fields := missing(field, "patientId", "therapistId", "scheduledTo"); len(fields) > 0 {
		return nil, &ValidationError{
			Message:       "the parameters patientId, therapistId and scheduledTo are required",
			MissingFields: fields,
		}
	}
	patientID, err := intValue("patientId", field("patientId"))
	if err != nil {
		return nil, err
	}
	therapistID, err := intValue("therapistId", field("therapistId"))
	if err != nil {
		return nil, err
	}
	return contracts.Envelope{
		"patientId":   patientID,
		"therapistId": therapistID,
		"scheduledTo": field("scheduledTo"),
		"timestamp":   contracts.FormatTimestamp(now),
		"requestId":   requestID("reassessment", now),
	}, nil
}

func buildUpdateAssessmentStatus(r *http.Request, p *params, now time.Time) (contracts.Envelope, error) {
	id := mux.Vars(r)["id"]
	var fields []string
	if id == "" {
		fields = append(fields, "id")
	}
	fields = append(fields, missing(p.field, "status")...)
	if len(fields) > 0 {
		return nil, &ValidationError{Message: "both id and status are required", MissingFields: fields}
	}
	assessmentID, err := intValue("id", id)
	if err != nil {
		return nil, err
	}
	return contracts.Envelope{
		"assessmentId": assessmentID,
		"status":       p.field("status"),
		"timestamp":    contracts.FormatTimestamp(now),
		"requestId":    requestID("update", now),
	}, nil
}

func buildGetAssessments(_ *http.Request, p *params, now time.Time) (contracts.Envelope, error) {
	env := contracts.Envelope{
		"status":      optionalString(p.get("status")),
		"scheduledAt": optionalString(p.get("scheduledAt")),
		"requestId":   requestID("getAssessments", now),
		"timestamp":   contracts.FormatTimestamp(now),
	}
	if err := setOptionalInts(env, p, "patientId", "therapistId"); err != nil {
		return nil, err
	}
	if err := setPaging(env, p); err != nil {
		return nil, err
	}
	return env, nil
}

func buildCreateTherapyPlan(_ *http.Request, p *params, now time.Time) (contracts.Envelope, error) {
	required := []string{"assessmentId", "description", "goals", "assignedTherapistId", "legalResponsibleId"}
	if fields := missing(p.field, required...); len(fields) > 0 {
		return nil, missingFieldsError(fields)
	}

	env := contracts.Envelope{
		"requestId": requestID("createTherapyPlan", now),
		"timestamp": contracts.FormatTimestamp(now),
	}
	for _, key := range required {
		env[key] = p.field(key)
	}
	if schedule := p.field("schedule"); truthy(schedule) {
		env["schedule"] = schedule
	} else {
		env["schedule"] = []any{}
	}
	return env, nil
}

func buildGetTherapyPlans(_ *http.Request, p *params, now time.Time) (contracts.Envelope, error) {
	env := contracts.Envelope{
		"requestId": requestID("getTherapyPlans", now),
		"timestamp": contracts.FormatTimestamp(now),
	}
	if err := setOptionalInts(env, p, "assessmentId", "therapistId", "patientId", "legalResponsibleId"); err != nil {
		return nil, err
	}
	if err := setPaging(env, p); err != nil {
		return nil, err
	}
	return env, nil
}

// buildMedicalRecords accepts its parameters from the query string or a
// JSON body. With no versionNumber and no orderBy the service pages in
// ascending order; versionNumber alone selects one record; orderBy alone
// pages in that order.
func buildMedicalRecords(_ *http.Request, p *params, now time.Time) (contracts.Envelope, error) {
	if fields := missing(p.get, "patientId"); len(fields) > 0 {
		return nil, &ValidationError{Message: "patientId is required", MissingFields: fields}
	}
	patientID, err := intValue("patientId", p.get("patientId"))
	if err != nil {
		return nil, err
	}

	env := contracts.Envelope{
		"patientId": patientID,
		"orderBy":   optionalString(p.get("orderBy")),
		"timestamp": contracts.FormatTimestamp(now),
	}
	if err := setOptionalInts(env, p, "versionNumber", "page", "size"); err != nil {
		return nil, err
	}
	return env, nil
}

func setOptionalInts(env contracts.Envelope, p *params, keys ...string) error {
	for _, key := range keys {
		n, err := optionalInt(key, p.get(key))
		if err != nil {
			return err
		}
		env[key] = n
	}
	return nil
}

// setPaging sets page (default 0) and size (default 10)
func setPaging(env contracts.Envelope, p *params) error {
	page, err := intOr("page", p.get("page"), 0)
	if err != nil {
		return &ValidationError{Message: "page and size must be numbers"}
	}
	size, err := intOr("size", p.get("size"), 10)
	if err != nil {
		return &ValidationError{Message: "page and size must be numbers"}
	}
	env["page"] = page
	env["size"] = size
	return nil
}

func respondData(reply *contracts.Reply, timestamp string) any {
	return map[string]any{
		"status":    "success",
		"data":      reply.Body,
		"timestamp": timestamp,
	}
}

func respondExcelLink(reply *contracts.Reply, _ string) any {
	out := make(map[string]any, 6)
	for _, key := range []string{"downloadUrl", "fileName", "messageId", "timestamp", "source", "status"} {
		out[key] = reply.Field(key)
	}
	return out
}

func respondPatientProfiles(reply *contracts.Reply, timestamp string) any {
	return map[string]any{
		"status":       "success",
		"totalResults": reply.Field("totalResults"),
		"currentPage":  reply.Field("currentPage"),
		"maxPage":      reply.Field("maxPage"),
		"patients":     reply.Field("patients"),
		"timestamp":    timestamp,
	}
}

// respondMedicalRecords answers a page when the reply carries
// totalElements, otherwise a single record
func respondMedicalRecords(reply *contracts.Reply, _ string) any {
	if reply.Has("totalElements") {
		return map[string]any{
			"status":        "success",
			"mode":          "paged",
			"totalElements": reply.Field("totalElements"),
			"totalPages":    reply.Field("totalPages"),
			"page":          reply.Field("page"),
			"size":          reply.Field("size"),
			"records":       reply.Field("records"),
		}
	}
	return map[string]any{
		"status": "success",
		"mode":   "single",
		"record": reply.Body,
	}
}
