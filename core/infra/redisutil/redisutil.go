package redisutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
)

// Environment variables consumed when building clients. TLS settings apply
// to both single-node and cluster clients.
const (
	envClusterAddrs  = "REDIS_CLUSTER_ADDRS"
	envTLSCA         = "REDIS_TLS_CA"
	envTLSCert       = "REDIS_TLS_CERT"
	envTLSKey        = "REDIS_TLS_KEY"
	envTLSServerName = "REDIS_TLS_SERVER_NAME"
	envTLSInsecure   = "REDIS_TLS_INSECURE"
)

// NewClient builds a universal Redis client from a redis:// or rediss:// URL.
// When REDIS_CLUSTER_ADDRS is set the listed seed addresses replace the URL
// host and the client runs in cluster mode; credentials and database still
// come from the URL.
func NewClient(url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	tlsConfig, err := tlsFromEnv(opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	addrs := clusterAddrsFromEnv()
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: tlsConfig,
	}), nil
}

type tlsEnv struct {
	caPath     string
	certPath   string
	keyPath    string
	serverName string
	insecure   bool
}

func (t tlsEnv) empty() bool {
	return t.caPath == "" && t.certPath == "" && t.keyPath == "" && t.serverName == "" && !t.insecure
}

func readTLSEnv() tlsEnv {
	return tlsEnv{
		caPath:     strings.TrimSpace(os.Getenv(envTLSCA)),
		certPath:   strings.TrimSpace(os.Getenv(envTLSCert)),
		keyPath:    strings.TrimSpace(os.Getenv(envTLSKey)),
		serverName: strings.TrimSpace(os.Getenv(envTLSServerName)),
		insecure:   boolEnv(envTLSInsecure),
	}
}

// tlsFromEnv layers REDIS_TLS_* settings over whatever the URL scheme already
// implies (rediss:// seeds a config). Returns the existing config untouched
// when no TLS env vars are set.
func tlsFromEnv(existing *tls.Config) (*tls.Config, error) {
	env := readTLSEnv()
	if env.empty() {
		return existing, nil
	}

	cfg := &tls.Config{}
	if existing != nil {
		cfg = existing.Clone()
	}
	if env.serverName != "" {
		cfg.ServerName = env.serverName
	}
	if env.insecure {
		cfg.InsecureSkipVerify = true
	}

	if env.caPath != "" {
		pem, err := os.ReadFile(env.caPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls ca read: %w", err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("redis tls ca parse: %s", env.caPath)
		}
		cfg.RootCAs = pool
	}

	if env.certPath != "" || env.keyPath != "" {
		if env.certPath == "" || env.keyPath == "" {
			return nil, fmt.Errorf("redis tls cert/key must be set together")
		}
		pair, err := tls.LoadX509KeyPair(env.certPath, env.keyPath)
		if err != nil {
			return nil, fmt.Errorf("redis tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	return cfg, nil
}

func clusterAddrsFromEnv() []string {
	raw := strings.TrimSpace(os.Getenv(envClusterAddrs))
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
	addrs := make([]string, 0, len(fields))
	for _, field := range fields {
		if addr := strings.TrimSpace(field); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

func boolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
