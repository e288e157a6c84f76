package models

// APIStatus is the top-level status of an APIResponse.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse is the JSON envelope of every HTTP reply.
type APIResponse struct {
	Status  APIStatus `json:"status"`
	Message string    `json:"message,omitempty"`
	Result  any       `json:"result,omitempty"`
}

func Success(result any) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

func SuccessWithMessage(message string, result any) APIResponse {
	return APIResponse{Status: APIStatusOK, Message: message, Result: result}
}

func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}
