package ledger

import (
	"fmt"
	"net/url"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// Options selects and configures the database driver.
type Options struct {
	Driver string
	// DSN is used verbatim when set. For sqlite it is the file path.
	DSN          string
	Postgres     PostgresOption
	MaxOpenConns int
	Config       *gorm.Config
}

// PostgresOption connection fields used when no DSN is given.
type PostgresOption struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	Params   map[string]string
}

func (o Options) dialector() (gorm.Dialector, error) {
	switch o.Driver {
	case DriverSQLite, "":
		if o.DSN == "" {
			return nil, fmt.Errorf("sqlite driver requires a dsn")
		}
		return sqlite.Open(o.DSN), nil
	case DriverPostgres:
		dsn := o.DSN
		if dsn == "" {
			dsn = o.Postgres.dsn()
		}
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", o.Driver)
	}
}

func (o Options) gormConfig() *gorm.Config {
	if o.Config != nil {
		return o.Config
	}
	return &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
}

func (opt PostgresOption) dsn() string {
	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}

	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}

	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}

	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}

	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()

	return u.String()
}
