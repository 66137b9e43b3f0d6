package api

const (
	createTaskMaxSize    = 64 * 1024 // 64 KiB
	HeaderIdempotencyKey = "Idempotency-Key"
)

// error body for 4xx responses that carry field details
type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}
