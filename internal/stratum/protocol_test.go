package stratum

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    *Message
		wantErr bool
	}{
		{
			name: "valid request",
			data: []byte(`{"id":1,"method":"mining.subscribe","params":["miner/1.0",null]}`),
			want: &Message{
				ID:     float64(1), // JSON numbers are parsed as float64
				Method: "mining.subscribe",
				Params: []any{"miner/1.0", nil},
			},
		},
		{
			name: "valid response",
			data: []byte(`{"id":1,"result":true,"error":null}`),
			want: &Message{
				ID:     float64(1),
				Result: true,
			},
		},
		{
			name: "string id",
			data: []byte(`{"id":"a","method":"mining.authorize","params":["addr.rig","x"]}`),
			want: &Message{
				ID:     "a",
				Method: "mining.authorize",
				Params: []any{"addr.rig", "x"},
			},
		},
		{
			name:    "invalid json",
			data:    []byte(`{invalid json}`),
			wantErr: true,
		},
		{
			name:    "params not an array",
			data:    []byte(`{"id":1,"method":"mining.submit","params":"x"}`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseMessage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMarshalMessage(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		want string
	}{
		{
			name: "true result",
			msg:  NewResponse(1, true),
			want: `{"id":1,"result":true,"error":null}`,
		},
		{
			name: "null result keeps both fields",
			msg:  NewResponse(2, nil),
			want: `{"id":2,"result":null,"error":null}`,
		},
		{
			name: "rejection",
			msg:  NewRejection(3, ErrorDuplicateShare, "duplicate"),
			want: `{"id":3,"result":false,"error":{"code":22,"message":"duplicate"}}`,
		},
		{
			name: "error response",
			msg:  NewErrorResponse(nil, ErrorParseError, "Parse error"),
			want: `{"id":null,"result":null,"error":{"code":-32700,"message":"Parse error"}}`,
		},
		{
			name: "notification",
			msg:  NewSetDifficulty(8),
			want: `{"id":null,"method":"mining.set_difficulty","params":[8]}`,
		},
		{
			name: "notification without params",
			msg:  NewNotification("client.reconnect", nil),
			want: `{"id":null,"method":"client.reconnect","params":[]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := MarshalMessage(tt.msg)
			if err != nil {
				t.Fatalf("MarshalMessage() error = %v", err)
			}
			if string(data) != tt.want {
				t.Errorf("MarshalMessage() = %s, want %s", data, tt.want)
			}
		})
	}
}

func TestMessage_MarshalValue(t *testing.T) {
	// messages nested in other values keep the custom encoding
	data, err := json.Marshal([]*Message{NewResponse(1, nil)})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `[{"id":1,"result":null,"error":null}]` {
		t.Errorf("got %s", data)
	}
}

func TestMessageTypes(t *testing.T) {
	tests := []struct {
		name           string
		msg            *Message
		isRequest      bool
		isResponse     bool
		isNotification bool
	}{
		{"request", &Message{ID: 1, Method: MethodSubscribe}, true, false, false},
		{"response", &Message{ID: 1, Result: true}, false, true, false},
		{"notification", &Message{Method: MethodNotify}, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.IsRequest(); got != tt.isRequest {
				t.Errorf("IsRequest() = %v, want %v", got, tt.isRequest)
			}
			if got := tt.msg.IsResponse(); got != tt.isResponse {
				t.Errorf("IsResponse() = %v, want %v", got, tt.isResponse)
			}
			if got := tt.msg.IsNotification(); got != tt.isNotification {
				t.Errorf("IsNotification() = %v, want %v", got, tt.isNotification)
			}
		})
	}
}

func TestParseSubscribeRequest(t *testing.T) {
	tests := []struct {
		name    string
		params  []any
		want    *SubscribeRequest
		wantErr bool
	}{
		{"no parameters", []any{}, &SubscribeRequest{}, false},
		{"user agent only", []any{"miner/1.0"}, &SubscribeRequest{UserAgent: "miner/1.0"}, false},
		{"user agent and session", []any{"miner/1.0", "session123"}, &SubscribeRequest{UserAgent: "miner/1.0", SessionID: "session123"}, false},
		{"null user agent", []any{nil}, &SubscribeRequest{}, false},
		{"numeric user agent", []any{42}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubscribeRequest(tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSubscribeRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseSubscribeRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseAuthorizeRequest(t *testing.T) {
	tests := []struct {
		name    string
		params  []any
		want    *AuthorizeRequest
		wantErr bool
	}{
		{"valid", []any{"username", "password"}, &AuthorizeRequest{Username: "username", Password: "password"}, false},
		{"no password", []any{"username"}, &AuthorizeRequest{Username: "username"}, false},
		{"no parameters", []any{}, nil, true},
		{"invalid username type", []any{123, "password"}, nil, true},
		{"empty username", []any{"", "x"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAuthorizeRequest(tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseAuthorizeRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseAuthorizeRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseSubmitRequest(t *testing.T) {
	tests := []struct {
		name    string
		params  []any
		want    *SubmitRequest
		wantErr bool
	}{
		{
			name:   "valid",
			params: []any{"username", "job1", "0000000A", "5a54a978", "1A2B3C4D"},
			want: &SubmitRequest{
				Username:    "username",
				JobID:       "job1",
				ExtraNonce2: "0000000a",
				NTime:       "5a54a978",
				Nonce:       "1a2b3c4d",
			},
		},
		{
			name:    "insufficient parameters",
			params:  []any{"username", "job1"},
			wantErr: true,
		},
		{
			name:    "invalid parameter type",
			params:  []any{"username", "job1", "00000001", 5, "1a2b3c4d"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubmitRequest(tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSubmitRequest() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseSubmitRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseUsername(t *testing.T) {
	tests := []struct {
		in, address, worker string
	}{
		{"YAddr.rig1", "YAddr", "rig1"},
		{"YAddr", "YAddr", DefaultWorkerName},
		{"YAddr.", "YAddr", DefaultWorkerName},
		{" YAddr.rig.2 ", "YAddr", "rig.2"},
		{".rig", "", "rig"},
	}

	for _, tt := range tests {
		address, worker := ParseUsername(tt.in)
		if address != tt.address || worker != tt.worker {
			t.Errorf("ParseUsername(%q) = %q, %q; want %q, %q", tt.in, address, worker, tt.address, tt.worker)
		}
	}
}
