// Package messaging provides the exchange facades used by the desk services.
//
// This package implements:
//   - PubSubFacade: broadcast publishing and consumption over a fanout exchange
//   - DirectFacade: routing-key publishing and consumption over a direct exchange
//   - Manager: a registry of facades keyed by exchange name that starts and
//     stops them together
//
// Each facade owns one connection, one channel and one durable exchange,
// and runs at most one consumer loop. The loop handles deliveries one at a
// time and acknowledges a message only after its handler returned nil.
// Messages that cannot be decoded are rejected without requeue. A handler
// error requeues the message once; a second failure rejects it, which
// routes it to the dead letter exchange when one is configured.
//
// Example usage:
//
//	events := messaging.NewPubSubFacade(url, messaging.ExchangeOccupancyUpdated)
//	manager := messaging.NewManager()
//	if err := manager.AddPubSub(events); err != nil {
//		return err
//	}
//	if err := manager.StartAll(ctx); err != nil {
//		return err
//	}
//	defer manager.StopAll()
//
//	err := events.Subscribe(ctx, "occupancy.audit",
//		messaging.HandlerFor(func(ctx context.Context, msg contracts.OccupancyUpdated) error {
//			return audit.Record(ctx, msg)
//		}))
package messaging
