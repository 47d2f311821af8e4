package sourcepool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/loadctl/internal/domain"
)

// StdDialer dials PostgreSQL and MySQL source databases over the network,
// modeled on lake/api/config/postgres.go's pgxpool.ParseConfig /
// pgxpool.NewWithConfig construction with tuned pool sizing.
type StdDialer struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// NewStdDialer returns a StdDialer with the teacher's pool-sizing defaults
// (lake/api/config/postgres.go: MaxConns=10, MinConns=2,
// MaxConnLifetime=1h, MaxConnIdleTime=30m).
func NewStdDialer() *StdDialer {
	return &StdDialer{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

func (d *StdDialer) DialPostgres(ctx context.Context, src domain.SourceDatabase) (*pgxpool.Pool, error) {
	password, err := decryptPlaceholder(src.EncryptedPassword)
	if err != nil {
		return nil, fmt.Errorf("decrypt password for source=%s: %w", src.SourceCode, err)
	}

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		src.Username, password, src.Host, src.Port, src.DBName,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config for source=%s: %w", src.SourceCode, err)
	}
	poolConfig.MaxConns = d.MaxConns
	poolConfig.MinConns = d.MinConns
	poolConfig.MaxConnLifetime = d.MaxConnLifetime
	poolConfig.MaxConnIdleTime = d.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool for source=%s: %w", src.SourceCode, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres source=%s: %w", src.SourceCode, err)
	}
	return pool, nil
}

func (d *StdDialer) DialMySQL(ctx context.Context, src domain.SourceDatabase) (*sql.DB, error) {
	password, err := decryptPlaceholder(src.EncryptedPassword)
	if err != nil {
		return nil, fmt.Errorf("decrypt password for source=%s: %w", src.SourceCode, err)
	}

	mysqlCfg := mysqldriver.NewConfig()
	mysqlCfg.User = src.Username
	mysqlCfg.Passwd = password
	mysqlCfg.Net = "tcp"
	mysqlCfg.Addr = fmt.Sprintf("%s:%d", src.Host, src.Port)
	mysqlCfg.DBName = src.DBName
	mysqlCfg.ParseTime = true
	mysqlCfg.Loc = time.UTC

	db, err := sql.Open("mysql", mysqlCfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql source=%s: %w", src.SourceCode, err)
	}
	db.SetMaxOpenConns(int(d.MaxConns))
	db.SetMaxIdleConns(int(d.MinConns))
	db.SetConnMaxLifetime(d.MaxConnLifetime)
	db.SetConnMaxIdleTime(d.MaxConnIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql source=%s: %w", src.SourceCode, err)
	}
	return db, nil
}

// decryptPlaceholder is the orthogonal encryption hook point (Design
// Notes: "sql_text encryption is orthogonal... opaque blob with a
// decrypt() hook supplied by the embedding"). Both dialers always call
// it, and it returns EncryptedPassword's bytes unchanged: source-database
// passwords are not decrypted, so the stored bytes must be the plaintext
// password.
func decryptPlaceholder(ciphertext []byte) (string, error) {
	return string(ciphertext), nil
}
