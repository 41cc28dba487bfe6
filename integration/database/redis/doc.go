// Package redis builds a go-redis client from a connection URL.
//
// Connect validates the URL (redis:// or rediss://), creates the client and
// pings it, retrying with exponential backoff. The whole attempt is bounded by
// ConnectTimeout. The returned client is used by the cross-instance
// notification relay.
//
//	client, err := redis.Connect(ctx, redis.Config{ConnectionURL: "redis://localhost:6379/0"})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
// Healthcheck returns a readiness check wrapping PING failures in ErrHealthcheckFailed.
package redis
