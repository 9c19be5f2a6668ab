// Package httptransport provides HTTP transport models.
package httptransport

// HTTPErrorResponse is the structured error body, matching the federation
// wire format plus the request id for correlation.
type HTTPErrorResponse struct {
	ErrCode   string `json:"errcode"`
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HTTPJoinRequest asks for a join verdict or a guarded join. Via lists the
// candidate resident servers to query, in order.
type HTTPJoinRequest struct {
	RoomID string   `json:"room_id"`
	Via    []string `json:"via"`
}

// HTTPVerdictResponse reports a gate decision to internal callers. A denial
// is a verdict, not a transport failure, so it rides on a 200.
type HTTPVerdictResponse struct {
	RoomID  string `json:"room_id"`
	Allowed bool   `json:"allowed"`
	ErrCode string `json:"errcode,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HTTPJoinResponse reports a completed guarded join.
type HTTPJoinResponse struct {
	RoomID string `json:"room_id"`
	Joined bool   `json:"joined"`
}

// HTTPIngestRequest reports accumulated state events for a room.
type HTTPIngestRequest struct {
	Count int64 `json:"count"`
}

// HTTPIngestResponse returns the new state event total after an ingest.
type HTTPIngestResponse struct {
	RoomID string `json:"room_id"`
	Total  int64  `json:"total"`
}
