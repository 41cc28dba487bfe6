// Package mongo connects to MongoDB with the official v2 driver.
//
// New applies pool and retry settings from Config, connects and pings the
// primary. Both the connect and the ping are retried with exponential backoff
// to survive cold starts of managed clusters.
//
//	var cfg mongo.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
//	db, err := mongo.NewWithDatabase(ctx, cfg, "eventstream")
//	if err != nil {
//		return err
//	}
//	defer db.Client().Disconnect(context.WithoutCancel(ctx))
//
// Configuration is read from MONGODB_URL, MONGODB_CONNECT_TIMEOUT,
// MONGODB_MAX_POOL_SIZE, MONGODB_MIN_POOL_SIZE, MONGODB_MAX_CONN_IDLE_TIME,
// MONGODB_RETRY_WRITES, MONGODB_RETRY_READS, MONGODB_RETRY_ATTEMPTS and
// MONGODB_RETRY_INTERVAL.
package mongo
