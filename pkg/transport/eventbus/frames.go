package eventbus

import "encoding/json"

// Frame types of the SockJS event-bus bridge protocol.
const (
	frameRegister   = "register"
	frameUnregister = "unregister"
	framePublish    = "publish"
	frameSend       = "send"
	framePing       = "ping"
	frameRec        = "rec"
	frameErr        = "err"
)

type outFrame struct {
	Type         string            `json:"type"`
	Address      string            `json:"address,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
	ReplyAddress string            `json:"replyAddress,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

type inFrame struct {
	Type         string          `json:"type"`
	Address      string          `json:"address"`
	Body         json.RawMessage `json:"body"`
	ReplyAddress string          `json:"replyAddress"`
	FailureCode  int             `json:"failureCode"`
	FailureType  string          `json:"failureType"`
	Message      string          `json:"message"`
}
