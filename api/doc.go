// Package api serves the scheduler HTTP surface under /scheduler/api/v1.
//
// Errors are returned as {"detail": reason}. Device gateway failures
// keep the upstream status code when there is one.
package api
