package db_client

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// Params describes how to reach the study database.
type Params struct {
	Host     string
	Port     string
	User     string
	Password string
	Database string
}

// DSN builds a pgx connection URL, escaping the credentials.
func (p Params) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.User, p.Password),
		Host:   p.Host + ":" + p.Port,
		Path:   "/" + p.Database,
	}
	return u.String()
}

func Open(ctx context.Context, p Params) (*sql.DB, error) {
	db, err := sql.Open("pgx", p.DSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping %s: %w", p.Host, err)
	}
	zap.L().Info("postgres connected", zap.String("host", p.Host), zap.String("db", p.Database))
	return db, nil
}
