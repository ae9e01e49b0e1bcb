package ws

// Message types sent by clients.
const (
	TypeStartRequest  = "start_request"
	TypeCancelRequest = "cancel_request"
)

// Message types sent by the server.
const (
	TypeRequestAccepted  = "request_accepted"
	TypeRequestRejected  = "request_rejected"
	TypeRequestData      = "request_data"
	TypeRequestCompleted = "request_completed"
	TypeRequestError     = "request_error"
)

// Message is the JSON frame exchanged over the websocket. Which fields are
// set depends on Type. Data values are base64 encoded on the wire.
type Message struct {
	Type         string            `json:"type"`
	ID           string            `json:"id,omitempty"`
	FilePath     string            `json:"file_path,omitempty"`
	VirtualPaths []string          `json:"virtual_paths,omitempty"`
	Data         map[string][]byte `json:"data,omitempty"`
	Message      string            `json:"message,omitempty"`
}

// StartRequest is the body of POST /requests.
type StartRequest struct {
	ID           string   `json:"id"`
	FilePath     string   `json:"file_path"`
	VirtualPaths []string `json:"virtual_paths"`
}

type statusResponse struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Pending *int   `json:"pending,omitempty"`
	Running *int   `json:"running,omitempty"`
	Clients *int   `json:"clients,omitempty"`
}
