package contracts

import (
	"time"
)

// Message type tags carried in Envelope.Type
const (
	TypeText               = "text"
	TypeOccupancyUpdated   = "desk.occupancy.updated"
	TypeBookingCreated     = "desk.booking.created"
	TypeDeskActionExecuted = "desk.action.executed"
)

// Message is the base interface for all messages
type Message interface {
	MessageType() string
}

// TextMessage carries a plain text payload
type TextMessage struct {
	Content string `json:"content"`
}

// MessageType implements Message
func (TextMessage) MessageType() string { return TypeText }

// OccupancyUpdated is published when a desk sensor reports a state change
type OccupancyUpdated struct {
	DeskID    string    `json:"desk_id"`
	Occupied  bool      `json:"occupied"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageType implements Message
func (OccupancyUpdated) MessageType() string { return TypeOccupancyUpdated }

// BookingCreated is published after a desk booking is persisted
type BookingCreated struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	DeskID    string    `json:"desk_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// MessageType implements Message
func (BookingCreated) MessageType() string { return TypeBookingCreated }

// DeskResult is the outcome of commanding a single desk
type DeskResult struct {
	DeskID     string `json:"desk_id"`
	Success    bool   `json:"success"`
	PositionMM int    `json:"position_mm"`
	Error      string `json:"error,omitempty"`
}

// DeskActionExecuted summarises one sweep of a desk action over every desk
type DeskActionExecuted struct {
	Action     string            `json:"action"`
	PositionMM int               `json:"position_mm"`
	ExecutedAt time.Time         `json:"executed_at"`
	TotalDesks int               `json:"total_desks"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Results    []DeskResult      `json:"results"`
	Context    map[string]string `json:"context"`
}

// MessageType implements Message
func (DeskActionExecuted) MessageType() string { return TypeDeskActionExecuted }
