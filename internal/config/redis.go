package config

// This file defines the Redis client constructor for the application.  Redis
// is the shared store: sessions, users, connection records, and the pub/sub
// channel all live here.  Unlike optional caches, the gateway cannot run
// without it, so callers treat a nil return as a startup failure.

import (
    "context"
    "crypto/tls"
    "os"
    "strconv"
    "strings"
    "time"

    "github.com/redis/go-redis/v9"
)

// NewRedisClient instantiates a Redis client using environment variables.
// Supported variables are:
//   STORE_URL – full redis:// URL (takes precedence when set)
//   REDIS_HOST and REDIS_PORT – hostname and port of the Redis server
//   REDIS_PASSWORD – optional password
//   REDIS_DB – database number (default 0)
//   REDIS_TLS – enable TLS when "true" or "1"
// The returned client may be nil if a connection cannot be established.
func NewRedisClient() *redis.Client {
    if url := os.Getenv("STORE_URL"); url != "" {
        opts, err := redis.ParseURL(url)
        if err != nil {
            return nil
        }
        return ping(redis.NewClient(opts))
    }

    host := os.Getenv("REDIS_HOST")
    port := os.Getenv("REDIS_PORT")
    addr := "localhost:6379"
    if host != "" && port != "" {
        addr = host + ":" + port
    }
    pwd := os.Getenv("REDIS_PASSWORD")
    dbNum := 0
    if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
        if n, err := strconv.Atoi(dbStr); err == nil {
            dbNum = n
        }
    }
    var tlsConf *tls.Config
    if tlsEnv := os.Getenv("REDIS_TLS"); strings.EqualFold(tlsEnv, "true") || tlsEnv == "1" {
        tlsConf = &tls.Config{InsecureSkipVerify: true}
    }
    return ping(redis.NewClient(&redis.Options{
        Addr:      addr,
        Password:  pwd,
        DB:        dbNum,
        TLSConfig: tlsConf,
    }))
}

// ping verifies the server with a short timeout.  Returns nil on failure.
func ping(client *redis.Client) *redis.Client {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    if err := client.Ping(ctx).Err(); err != nil {
        return nil
    }
    return client
}
