package database

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/user"
	inmemdb "github.com/trezcool/masomo/storage/database/inmem"
	sqlxrepos "github.com/trezcool/masomo/storage/database/sqlx"
)

// Open connects to the postgres database at conf.Database.URL.
func Open(conf *core.Config) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", conf.Database.URL)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	if err := ping(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// ping waits for the database to be ready. Waits 100ms longer between each attempt.
func ping(db *sqlx.DB) error {
	var err error
	maxAttempts := 30
	for attempts := 1; attempts <= maxAttempts; attempts++ {
		err = db.Ping()
		if err == nil {
			break
		}
		time.Sleep(time.Duration(attempts) * 100 * time.Millisecond)
	}

	if err != nil {
		return errors.Wrap(err, "DB ping timeout")
	}
	return nil
}

// NewUserRepository returns the postgres repository when a database URL is configured,
// and an in-memory one otherwise. close releases the database, if any.
func NewUserRepository(ctx context.Context, conf *core.Config) (repo user.Repository, close func() error, err error) {
	if conf.Database.URL == "" {
		return inmemdb.NewUserRepository(inmemdb.Open()), func() error { return nil }, nil
	}

	db, err := Open(conf)
	if err != nil {
		return nil, nil, err
	}
	if err := sqlxrepos.EnsureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return sqlxrepos.NewUserRepository(db), db.Close, nil
}
