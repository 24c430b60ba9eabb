package remote

// Realtime wire messages exchanged over the websocket.
const (
	msgSubscribe  = "subscribe"
	msgSubscribed = "subscribed"
	msgChange     = "change"
	msgError      = "error"
)

type wireMessage struct {
	Type   string  `json:"type"`
	Filter *Filter `json:"filter,omitempty"`
	SubID  string  `json:"subId,omitempty"`
	Change *Change `json:"change,omitempty"`
	Error  string  `json:"error,omitempty"`
}

type rowsResponse struct {
	Rows []Row `json:"rows"`
}

type errorResponse struct {
	Error string `json:"error"`
}
