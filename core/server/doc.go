// Package server wraps http.Server with graceful shutdown and errgroup-friendly
// lifecycle management.
//
// Basic usage:
//
//	srv, err := server.NewFromConfig(cfg, server.WithLogger(log))
//	if err != nil {
//		return err
//	}
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(srv.Run(ctx, mux))
//	return g.Wait()
//
// Start blocks until the context is canceled and returns ctx.Err(). Stop shuts
// the server down within the configured shutdown timeout. Run combines both
// for use with errgroup.
//
// Configuration is loaded from the environment through Config:
//
//	SERVER_ADDR=:8080
//	SERVER_READ_TIMEOUT=15s
//	SERVER_WRITE_TIMEOUT=15s
//	SERVER_IDLE_TIMEOUT=60s
//	SERVER_SHUTDOWN_TIMEOUT=30s
//	SERVER_TLS_CERT_FILE=/etc/eventstream/tls.crt
//	SERVER_TLS_KEY_FILE=/etc/eventstream/tls.key
package server
