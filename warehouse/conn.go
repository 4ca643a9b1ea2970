package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
	json "github.com/goccy/go-json"
	"github.com/gurre/rs-transfer/aws"
	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// DefaultPort is the Redshift listener port.
const DefaultPort = 5439

// ErrSecretNotFound is returned when the credentials secret does not exist.
var ErrSecretNotFound = errors.New("warehouse secret not found")

// Credentials locate and authenticate a warehouse session.
type Credentials struct {
	Host     string
	Port     int
	Username string
	Password string
	DBName   string
	SSLMode  string
}

// DSN renders a lib/pq connection URL.
func (c Credentials) DSN() string {
	port := c.Port
	if port == 0 {
		port = DefaultPort
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   c.Host + ":" + strconv.Itoa(port),
		Path:   "/" + c.DBName,
	}
	q := url.Values{}
	q.Set("sslmode", sslMode)
	q.Set("connect_timeout", "10")
	u.RawQuery = q.Encode()
	return u.String()
}

// Validate checks that every field needed to connect is present.
func (c Credentials) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("warehouse host is required")
	}
	if c.Username == "" {
		return fmt.Errorf("warehouse username is required")
	}
	if c.DBName == "" {
		return fmt.Errorf("warehouse database name is required")
	}
	return nil
}

// secretPayload is the JSON layout Secrets Manager uses for Redshift
// credentials. Port arrives as either a number or a string.
type secretPayload struct {
	Username            string `json:"username"`
	Password            string `json:"password"`
	Host                string `json:"host"`
	Port                any    `json:"port"`
	DBName              string `json:"dbname"`
	DBClusterIdentifier string `json:"dbClusterIdentifier"`
}

// LoadCredentials reads warehouse credentials from a Secrets Manager secret.
// Only the secret id is ever logged.
func LoadCredentials(ctx context.Context, client aws.SecretsClient, secretID string) (Credentials, error) {
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &secretID,
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return Credentials{}, fmt.Errorf("%w: %s", ErrSecretNotFound, secretID)
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return Credentials{}, fmt.Errorf("failed to read secret %s (%s): %w", secretID, apiErr.ErrorCode(), err)
		}
		return Credentials{}, fmt.Errorf("failed to read secret %s: %w", secretID, err)
	}
	if out.SecretString == nil {
		return Credentials{}, fmt.Errorf("secret %s has no string value", secretID)
	}

	var p secretPayload
	if err := json.Unmarshal([]byte(*out.SecretString), &p); err != nil {
		return Credentials{}, fmt.Errorf("failed to decode secret %s: %w", secretID, err)
	}

	port, err := parsePort(p.Port)
	if err != nil {
		return Credentials{}, fmt.Errorf("secret %s: %w", secretID, err)
	}

	creds := Credentials{
		Host:     p.Host,
		Port:     port,
		Username: p.Username,
		Password: p.Password,
		DBName:   p.DBName,
	}
	if creds.DBName == "" {
		creds.DBName = "dev"
	}
	log.WithField("secret_id", secretID).Debug("loaded warehouse credentials")
	return creds, creds.Validate()
}

func parsePort(v any) (int, error) {
	switch p := v.(type) {
	case nil:
		return DefaultPort, nil
	case float64:
		return int(p), nil
	case string:
		if p == "" {
			return DefaultPort, nil
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, fmt.Errorf("invalid port %q: %w", p, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("invalid port %v", v)
}

// PoolConfig bounds the connection pool. Every background submission and
// every poll loop holds one connection for its whole lifetime.
type PoolConfig struct {
	MaxOpenConns    int
	ConnMaxIdleTime time.Duration
}

// Open opens and pings a warehouse connection pool.
func Open(ctx context.Context, creds Credentials, pool PoolConfig) (*sql.DB, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", creds.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open warehouse connection: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach warehouse %s:%d: %w", creds.Host, creds.Port, err)
	}

	log.WithFields(log.Fields{"host": creds.Host, "database": creds.DBName}).Info("connected to warehouse")
	return db, nil
}
