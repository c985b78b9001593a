// Package stratum implements the Stratum V1 mining protocol: the wire
// messages, the per-connection session, the protocol engine and the
// multi-port server that feeds jobs to miners.
package stratum

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bardlex/gomp-pool/internal/work"
)

// Methods consumed and produced on the wire
const (
	MethodSubscribe           = "mining.subscribe"
	MethodAuthorize           = "mining.authorize"
	MethodSubmit              = "mining.submit"
	MethodExtranonceSubscribe = "mining.extranonce.subscribe"
	MethodGetTransactions     = "mining.get_transactions"
	MethodNotify              = "mining.notify"
	MethodSetDifficulty       = "mining.set_difficulty"
)

// DefaultWorkerName is used when the username carries no ".worker" suffix
const DefaultWorkerName = "default"

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// MarshalJSON writes responses with both result and error present, as
// miners expect, and requests and notifications with id, method and params.
func (m *Message) MarshalJSON() ([]byte, error) {
	if m.Method != "" {
		params := m.Params
		if params == nil {
			params = []any{}
		}
		return json.Marshal(struct {
			ID     any    `json:"id"`
			Method string `json:"method"`
			Params []any  `json:"params"`
		}{m.ID, m.Method, params})
	}

	return json.Marshal(struct {
		ID     any    `json:"id"`
		Result any    `json:"result"`
		Error  *Error `json:"error"`
	}{m.ID, m.Result, m.Error})
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent string
	SessionID string
}

// AuthorizeRequest represents a mining.authorize request
type AuthorizeRequest struct {
	Username string
	Password string
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewErrorResponse creates an error response with a null result
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{
		ID: id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// NewRejection answers false and says why
func NewRejection(id any, code int, message string) *Message {
	msg := NewErrorResponse(id, code, message)
	msg.Result = false
	return msg
}

// NewNotification creates a new notification message
func NewNotification(method string, params []any) *Message {
	return &Message{
		ID:     nil,
		Method: method,
		Params: params,
	}
}

// NewNotify builds mining.notify for job
func NewNotify(job *work.Job) *Message {
	return NewNotification(MethodNotify, job.NotifyParams())
}

// NewSetDifficulty builds mining.set_difficulty
func NewSetDifficulty(difficulty float64) *Message {
	return NewNotification(MethodSetDifficulty, []any{difficulty})
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil && (m.Result != nil || m.Error != nil)
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// ParseSubscribeRequest parses mining.subscribe parameters. Both are optional.
func ParseSubscribeRequest(params []any) (*SubscribeRequest, error) {
	req := &SubscribeRequest{}

	if len(params) > 0 && params[0] != nil {
		userAgent, ok := params[0].(string)
		if !ok {
			return nil, fmt.Errorf("user agent must be string")
		}
		req.UserAgent = userAgent
	}

	if len(params) > 1 {
		if sessionID, ok := params[1].(string); ok {
			req.SessionID = sessionID
		}
	}

	return req, nil
}

// ParseAuthorizeRequest parses mining.authorize parameters. The password is optional.
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok || username == "" {
		return nil, fmt.Errorf("username must be a non-empty string")
	}

	req := &AuthorizeRequest{Username: username}
	if len(params) > 1 && params[1] != nil {
		password, ok := params[1].(string)
		if !ok {
			return nil, fmt.Errorf("password must be string")
		}
		req.Password = password
	}

	return req, nil
}

// ParseSubmitRequest parses mining.submit parameters
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	fields := make([]string, 5)
	names := [...]string{"username", "job_id", "extranonce2", "ntime", "nonce"}
	for i, name := range names {
		s, ok := params[i].(string)
		if !ok {
			return nil, fmt.Errorf("%s must be string", name)
		}
		fields[i] = s
	}

	return &SubmitRequest{
		Username:    fields[0],
		JobID:       fields[1],
		ExtraNonce2: strings.ToLower(fields[2]),
		NTime:       strings.ToLower(fields[3]),
		Nonce:       strings.ToLower(fields[4]),
	}, nil
}

// ParseUsername splits "address.worker" into its parts
func ParseUsername(username string) (address, worker string) {
	address, worker, found := strings.Cut(strings.TrimSpace(username), ".")
	if !found || worker == "" {
		worker = DefaultWorkerName
	}
	return address, worker
}
