// Package natsclient manages a single NATS connection for the relay transport.
//
// A Client wraps nats.go with connection status tracking and a circuit
// breaker: after a configurable number of consecutive connection failures the
// circuit opens and Connect fails fast with ErrCircuitOpen until a backoff has
// elapsed. The backoff doubles each time the circuit opens, up to
// WithMaxBackoff.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//		natsclient.WithName("titta"),
//		natsclient.WithLogger(natsclient.NewSlogLogger(slog.Default())),
//	)
//	if err != nil {
//		return err
//	}
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Close(context.Background())
//
// Operations on a client that is not connected return an error wrapping
// ErrNotConnected, classified as transient.
//
// KVStore wraps a JetStream key-value bucket with per-operation timeouts and
// retried writes. The relay keeps its stream advertisements in one.
//
// TestClient starts a NATS server in a container through testcontainers-go.
// Tests using it carry the integration build tag.
package natsclient
