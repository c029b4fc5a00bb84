package api

import "github.com/conductor-sh/conductor/pkg/models"

// IngestEventResponse is returned with 202 on accepted ingest.
type IngestEventResponse struct {
	EventID        string `json:"event_id"`
	SequenceNumber int64  `json:"sequence_number"`
	CorrelationID  string `json:"correlation_id"`
}

// QueryEventsResponse wraps a query result.
type QueryEventsResponse struct {
	Count  int             `json:"count"`
	Events []*models.Event `json:"events"`
}

// ApprovalListResponse wraps an approval listing.
type ApprovalListResponse struct {
	Count     int                `json:"count"`
	Approvals []*models.Approval `json:"approvals"`
}
