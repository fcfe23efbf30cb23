package matrix

import "encoding/json"

// EventTypeRoomMessage is the only event type requested from the backend.
const EventTypeRoomMessage = "m.room.message"

// Filter is a stripped-down Matrix EventFilter: only the properties our sync
// requests need. It is built once at startup and never mutated.
//
// See https://spec.matrix.org/v1.14/client-server-api/#post_matrixclientv3useruseridfilter_request_eventfilter
type Filter struct {
	EventFields []string   `json:"event_fields"`
	Room        RoomFilter `json:"room"`
}

// RoomFilter restricts which room data the backend returns.
type RoomFilter struct {
	Timeline TimelineFilter `json:"timeline"`
}

// TimelineFilter restricts timeline events by room and type.
type TimelineFilter struct {
	Rooms []string `json:"rooms"`
	Types []string `json:"types"`
}

// NewFilter returns the filter selecting message content for a single room.
func NewFilter(roomID string) Filter {
	return Filter{
		EventFields: []string{"content"},
		Room: RoomFilter{
			Timeline: TimelineFilter{
				Rooms: []string{roomID},
				Types: []string{EventTypeRoomMessage},
			},
		},
	}
}

// Encode serializes the filter for the sync request's filter parameter.
func (f Filter) Encode() (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
