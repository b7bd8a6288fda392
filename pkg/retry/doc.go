// Package retry runs an operation with exponential backoff.
//
// Only transient failures are retried. An error classified invalid or fatal
// by the errors package, or wrapped with Permanent, is returned at once.
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//		return client.Publish(ctx, subject, frame)
//	})
package retry
