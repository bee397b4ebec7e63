package remote

import (
	"github.com/roach88/offsync/internal/record"
)

// Wire bodies shared by Server and Client.

type createRequest struct {
	ID      string         `json:"id,omitempty"`
	Payload record.Payload `json:"payload"`
}

type updateRequest struct {
	Payload record.Payload `json:"payload"`
}

type revisionResponse struct {
	Revision string `json:"revision"`
}

type errorBody struct {
	Code    string           `json:"code"`
	Message string           `json:"message"`
	Current *record.Snapshot `json:"current,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

const (
	codeNotFound = "not_found"
	codeConflict = "conflict"
	codeRejected = "rejected"
	codeInvalid  = "invalid_request"
	codeInternal = "internal_error"

	headerIfMatch = "If-Match"
	headerETag    = "ETag"
)
