// Package pg connects to PostgreSQL through a pgx connection pool.
//
// Connect parses the connection string, applies the pool limits from Config and
// retries the initial dial with exponential backoff until RetryAttempts is spent.
// The pool is pinged before it is returned.
//
//	var cfg pg.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
//	pool, err := pg.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer pool.Close()
//
//	if err := pg.Migrate(ctx, pool, cfg, migrations, log); err != nil {
//		return err
//	}
//
// # Migrations
//
// Migrate runs goose migrations from an fs.FS, usually an embed.FS owned by the
// package that defines the schema. Applied versions are tracked in
// Config.MigrationsTable.
//
// # Transactions
//
// WithTx stores a pgx.Tx in a context and TxFromContext reads it back, so that
// repository methods called inside a transaction share it:
//
//	tx, err := pool.Begin(ctx)
//	if err != nil {
//		return err
//	}
//	defer tx.Rollback(ctx)
//	ctx = pg.WithTx(ctx, tx)
//
// # Errors
//
// IsNotFoundError, IsDuplicateKeyError, IsForeignKeyViolationError and
// IsTxClosedError classify driver errors. Connection failures are joined with
// ErrFailedToOpenDBConnection and health failures with ErrHealthcheckFailed.
package pg
