// Package occupancy turns desk sensor messages into stored readings and
// desk.occupancy.updated events.
//
// The MQTT client callback only enqueues raw messages via Bridge.Handle;
// a single worker started with Bridge.Run parses, records and publishes
// them in arrival order.
package occupancy
