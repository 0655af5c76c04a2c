package ws

import "encoding/json"

type CommandType string

const (
	CmdSubscribe   CommandType = "SUBSCRIBE"
	CmdUnsubscribe CommandType = "UNSUBSCRIBE"
	CmdRequest     CommandType = "REQUEST"
)

// Command is a client → server protocol message. Mode, buffer_capacity, and
// lag_notice_threshold only apply to SUBSCRIBE; n only to REQUEST.
type Command struct {
	Type               CommandType `json:"type"`
	SourceID           string      `json:"sourceId"`
	Mode               string      `json:"mode,omitempty"`
	BufferCapacity     *int        `json:"buffer_capacity,omitempty"`
	LagNoticeThreshold *uint64     `json:"lag_notice_threshold,omitempty"`
	N                  uint64      `json:"n,omitempty"`
}

type MessageType string

const (
	MsgSubscribeOK      MessageType = "SUBSCRIBE_OK"
	MsgSubscribeError   MessageType = "SUBSCRIBE_ERROR"
	MsgUnsubscribeOK    MessageType = "UNSUBSCRIBE_OK"
	MsgUnsubscribeError MessageType = "UNSUBSCRIBE_ERROR"
	MsgRequestOK        MessageType = "REQUEST_OK"
	MsgRequestError     MessageType = "REQUEST_ERROR"
	MsgResult           MessageType = "RESULT"
	MsgNotice           MessageType = "NOTICE"
	MsgError            MessageType = "ERROR"
)

// Response is a synchronous answer to a client command.
type Response struct {
	Type     MessageType `json:"type"`
	SourceID string      `json:"sourceId,omitempty"`
	N        uint64      `json:"n,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// ResultMessage carries one delivered event.
type ResultMessage struct {
	Type MessageType `json:"type"`
	Data ResultData  `json:"data"`
}

type ResultData struct {
	SourceID string          `json:"sourceId"`
	Kind     string          `json:"kind"`
	Seq      int64           `json:"seq"`
	Payload  json.RawMessage `json:"payload"`
}

const (
	NoticeLag                = "LAG"
	NoticeSubscriptionClosed = "SUBSCRIPTION_CLOSED"
)

// NoticeMessage is a server-initiated asynchronous message: a lag warning or
// a subscription closed by the server.
type NoticeMessage struct {
	Type MessageType `json:"type"`
	Data NoticeData  `json:"data"`
}

type NoticeData struct {
	Type     string `json:"type"`
	SourceID string `json:"sourceId"`
	Count    uint64 `json:"count,omitempty"`
	Message  string `json:"message,omitempty"`
}
