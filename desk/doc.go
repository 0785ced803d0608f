// Package desk commands height adjustable desks through the device gateway.
//
// Client is a REST client for the gateway. Fanout sweeps every desk to one
// position, records a result per desk and publishes one
// contracts.DeskActionExecuted summary with the routing key
// desk.action.<action>.
package desk
