// Package contracts defines the message shapes exchanged with back-end services.
//
// Requests travel as an Envelope: a JSON object that always carries a
// "timestamp" and, when the exchange is correlated, a "requestId" echoing
// the correlation token. Replies come back as a Reply, which keeps both the
// decoded body and the raw bytes so callers can forward them unchanged.
package contracts
