package store

import "time"

// User is the small public profile attached to message senders.
type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
	UpdatedAt   time.Time
}

type Engagement struct {
	ID              string
	TaskID          string
	OwnerID         string
	WorkerID        string
	OwnerFinalised  bool
	WorkerFinalised bool
	FinalisedAt     *time.Time
	CreatedAt       time.Time
}

// Finalised reports whether the engagement reached its terminal state.
func (e Engagement) Finalised() bool {
	return e.FinalisedAt != nil
}

// FinaliseResult is the engagement after a finalise call. Transitioned is
// true only for the single call that set FinalisedAt.
type FinaliseResult struct {
	Engagement   Engagement
	Transitioned bool
	ExpireAt     *time.Time
}

type MessageLog struct {
	EngagementID string
	ExpireAt     *time.Time
	CreatedAt    time.Time
}

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
	AttachmentFile  AttachmentKind = "file"
)

type Attachment struct {
	URL         string         `json:"url"`
	ID          string         `json:"id"`
	Type        AttachmentKind `json:"type"`
	Name        string         `json:"name,omitempty"`
	Size        int64          `json:"size,omitempty"`
	ContentType string         `json:"contentType,omitempty"`
}

type Message struct {
	ID           int64
	EngagementID string
	SenderID     string
	Text         string
	Attachments  []Attachment
	CreatedAt    time.Time
}
