// Package redisutil opens the Redis connections shared by the scheduler's
// job store, the lease store and the record and dead-letter stores.
package redisutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/cordum/reqflow/core/infra/redact"
	"github.com/redis/go-redis/v9"
)

// Environment overrides. TLS settings apply to every store; a cluster
// address list switches the client to cluster mode.
const (
	EnvTLSCA         = "REDIS_TLS_CA"
	EnvTLSCert       = "REDIS_TLS_CERT"
	EnvTLSKey        = "REDIS_TLS_KEY"
	EnvTLSInsecure   = "REDIS_TLS_INSECURE"
	EnvTLSServerName = "REDIS_TLS_SERVER_NAME"
	EnvClusterAddrs  = "REDIS_CLUSTER_ADDRESSES"
)

const (
	fallbackURL  = "redis://localhost:6379"
	clientName   = "reqflow"
	readyTimeout = 2 * time.Second
)

var errHalfKeyPair = errors.New("redis tls: cert and key must be set together")

// Connect opens a client for rawURL and waits for one PING so a store
// fails at startup rather than on its first job. An empty URL dials the
// local default.
func Connect(ctx context.Context, rawURL string) (redis.UniversalClient, error) {
	if strings.TrimSpace(rawURL) == "" {
		rawURL = fallbackURL
	}
	client, err := NewClient(rawURL)
	if err != nil {
		return nil, err
	}
	readyCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := client.Ping(readyCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", redact.URL(rawURL), err)
	}
	return client, nil
}

// NewClient builds a client without dialing. Pool and timeout settings in
// the URL query carry over to the cluster client as well.
func NewClient(rawURL string) (redis.UniversalClient, error) {
	opts, err := ParseOptions(rawURL)
	if err != nil {
		return nil, err
	}
	addrs := clusterAddrs()
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		ClientName:   clientName,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		TLSConfig:    opts.TLSConfig,
		MaxRetries:   opts.MaxRetries,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	}), nil
}

// ParseOptions parses rawURL and layers the REDIS_TLS_* settings on top of
// whatever TLS the scheme implies.
func ParseOptions(rawURL string) (*redis.Options, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("redis url %s: %w", redact.URL(rawURL), err)
	}
	env := tlsEnvFromOS()
	if env.empty() {
		return opts, nil
	}
	cfg, err := env.build(opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	opts.TLSConfig = cfg
	return opts, nil
}

type tlsEnv struct {
	ca, cert, key, serverName string
	insecure                  bool
}

func tlsEnvFromOS() tlsEnv {
	get := func(key string) string { return strings.TrimSpace(os.Getenv(key)) }
	return tlsEnv{
		ca:         get(EnvTLSCA),
		cert:       get(EnvTLSCert),
		key:        get(EnvTLSKey),
		serverName: get(EnvTLSServerName),
		insecure:   envEnabled(get(EnvTLSInsecure)),
	}
}

func (e tlsEnv) empty() bool {
	return e == tlsEnv{}
}

// build copies base, so a rediss:// config is extended rather than replaced.
func (e tlsEnv) build(base *tls.Config) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if base != nil {
		cfg = base.Clone()
	}
	if e.serverName != "" {
		cfg.ServerName = e.serverName
	}
	if e.insecure {
		cfg.InsecureSkipVerify = true // #nosec G402 -- operator opt-in for local stacks.
	}
	if e.ca != "" {
		// #nosec G304 -- CA path is operator-provided.
		pem, err := os.ReadFile(e.ca)
		if err != nil {
			return nil, fmt.Errorf("redis tls: read ca %s: %w", e.ca, err)
		}
		if cfg.RootCAs == nil {
			cfg.RootCAs = x509.NewCertPool()
		}
		if !cfg.RootCAs.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis tls: no certificates in %s", e.ca)
		}
	}
	switch {
	case e.cert == "" && e.key == "":
	case e.cert == "" || e.key == "":
		return nil, errHalfKeyPair
	default:
		pair, err := tls.LoadX509KeyPair(e.cert, e.key)
		if err != nil {
			return nil, fmt.Errorf("redis tls: load client pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}

func envEnabled(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

// clusterAddrs splits REDIS_CLUSTER_ADDRESSES on commas and whitespace.
func clusterAddrs() []string {
	return strings.FieldsFunc(os.Getenv(EnvClusterAddrs), func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}
