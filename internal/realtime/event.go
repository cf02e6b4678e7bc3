package realtime

import (
	"context"
	"encoding/json"
)

type EventType string

const (
	EventMessageNew EventType = "message:new"
	EventFinalised  EventType = "finalised"
)

// Event is one workroom notification. Audience lists the user ids allowed
// to receive it; admins joined to the room always qualify.
type Event struct {
	Type         EventType       `json:"type"`
	EngagementID string          `json:"engagementId"`
	Data         json.RawMessage `json:"data"`
	Audience     []string        `json:"audience"`
	ExcludeUser  string          `json:"excludeUser,omitempty"`
}

// NewEvent marshals data into an event for engagementID.
func NewEvent(typ EventType, engagementID string, data any, audience []string, excludeUser string) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Type:         typ,
		EngagementID: engagementID,
		Data:         raw,
		Audience:     audience,
		ExcludeUser:  excludeUser,
	}, nil
}

// Publisher fans an event out to every connected, authorised member of its room.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// ClientFrame is what a connected party sends.
type ClientFrame struct {
	Type         string `json:"type"`
	EngagementID string `json:"engagementId"`
}

// ServerFrame is what a connected party receives.
type ServerFrame struct {
	Type         string          `json:"type"`
	EngagementID string          `json:"engagementId,omitempty"`
	Code         string          `json:"code,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

const (
	FrameJoin   = "join"
	FrameLeave  = "leave"
	FrameJoined = "joined"
	FrameLeft   = "left"
	FrameError  = "error"
)
