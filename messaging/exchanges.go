package messaging

// Exchanges shared by the desk services
const (
	// ExchangeBookingCreated is a fanout exchange for new bookings
	ExchangeBookingCreated = "desk.booking.created"
	// ExchangeOccupancyUpdated is a fanout exchange for sensor updates
	ExchangeOccupancyUpdated = "desk.occupancy.updated"
	// ExchangeDeskEvents is the direct exchange carrying desk action summaries
	ExchangeDeskEvents = "desk_scheduler_events"
)

// DeskActionRoutingKey returns the routing key for summaries of action
func DeskActionRoutingKey(action string) string {
	return "desk.action." + action
}
