package matrix

// Message types of m.room.message events. Only notices are read and sent.
const (
	MsgTypeText   = "m.text"
	MsgTypeNotice = "m.notice"
)

// SyncResponse is the subset of a /sync response we care about.
//
// See https://spec.matrix.org/v1.14/client-server-api/#get_matrixclientv3sync
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     *Rooms `json:"rooms,omitempty"`
}

// Rooms holds per-room updates keyed by room id.
type Rooms struct {
	Join map[string]JoinedRoom `json:"join"`
}

// JoinedRoom is the update for a room the account has joined.
type JoinedRoom struct {
	Timeline Timeline `json:"timeline"`
}

// Timeline holds the new events of a room.
type Timeline struct {
	Events []Event `json:"events"`
}

// Event is an m.room.message event with only its content kept by the filter.
type Event struct {
	Content MessageContent `json:"content"`
}

// MessageContent is the content of an m.room.message event. Both fields are
// optional: redacted events arrive with an empty content object.
type MessageContent struct {
	Body    *string `json:"body,omitempty"`
	MsgType *string `json:"msgtype,omitempty"`
}

// IsNotice reports whether the event carries the m.notice message type.
func (c MessageContent) IsNotice() bool {
	return c.MsgType != nil && *c.MsgType == MsgTypeNotice
}

// Text returns the body, or an empty string when the backend omitted it.
func (c MessageContent) Text() string {
	if c.Body == nil {
		return ""
	}
	return *c.Body
}

// Batch is the result of one poll: the timeline events of the filtered rooms
// and the cursor to resume from.
type Batch struct {
	Events    []Event
	NextBatch string
}

// EventsFor returns the timeline events for roomID, or nil when the response
// carries no update for it.
func (r *SyncResponse) EventsFor(roomID string) []Event {
	if r.Rooms == nil {
		return nil
	}
	room, ok := r.Rooms.Join[roomID]
	if !ok {
		return nil
	}
	return room.Timeline.Events
}

// Notice builds the content of a notice message.
func Notice(text string) MessageContent {
	msgType := MsgTypeNotice
	return MessageContent{Body: &text, MsgType: &msgType}
}
