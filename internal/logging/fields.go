package logging

const (
	// Request
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"
	FieldClientIP  = "client_ip"

	// Relay
	FieldConnID    = "conn_id"
	FieldUsername  = "username"
	FieldRoom      = "room"
	FieldEvent     = "event"
	FieldMessageID = "message_id"
	FieldKind      = "kind"

	// Service
	FieldService = "service"
)
