// Package courier provides a composable outbound webhook delivery engine for Go.
//
// Courier is a library — not a service. Import it into your application to get
// tenant-scoped webhook subscriptions, a persisted event kind catalog,
// at-least-once delivery with HMAC signatures, durable retries, and a dead
// letter queue with replay.
//
// Key features:
//   - Persisted event kind catalog with JSON Schema payload validation
//   - Composable store pattern with multiple backends (Postgres, SQLite, Redis, Memory)
//   - HMAC-SHA256 signature on every delivery, verifiable from the raw body
//   - Fixed-schedule retries that survive process restarts
//   - Automatic subscription disablement after consecutive failures
//   - Per-subscription rate limiting, custom headers, and timeouts
//
// Quick start:
//
//	c, err := courier.New(
//	    courier.WithStore(memory.New()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	c.Start(ctx)
//
//	c.RegisterEventKind(ctx, catalog.Definition{
//	    Name:    "invoice.created",
//	    Version: "2025-01-01",
//	})
//
//	c.Emit(ctx, &event.Event{
//	    Kind:     "invoice.created",
//	    TenantID: "tenant_123",
//	    Payload:  map[string]any{"invoice_id": "inv_01h..."},
//	})
package courier
