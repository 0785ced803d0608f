// Package health aggregates named health checks into one report served
// over HTTP.
package health
