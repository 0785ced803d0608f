// Package contracts defines the messages exchanged between the desk services.
//
// Every payload is one of a closed set of variants:
//   - TextMessage: free-form text, used by diagnostics and the CLI
//   - OccupancyUpdated: a desk sensor reported a change in occupancy
//   - BookingCreated: a desk booking was stored
//   - DeskActionExecuted: summary of a raise/lower sweep over all desks
//
// Variants travel inside an Envelope whose Type field selects the variant on
// decode. Encode and Decode are the only (de)serialization entry points.
package contracts
