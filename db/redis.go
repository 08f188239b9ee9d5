package db

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

var ctx = context.Background()

// Client holds the shared redis connection. Nil when redis is down;
// callers treat that as a cache miss.
var Client *redis.Client

// InitRedis connects to redis with a few retries. The server still
// runs without it, queue boards just skip the cache.
func InitRedis() error {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	var err error
	MaxRetries := 5
	RetryDelay := time.Second * 5
	for i := 0; i < MaxRetries; i++ {
		Client = redis.NewClient(&redis.Options{
			Network:  "tcp",
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       0, // use default DB
		})

		_, err = Client.Ping(ctx).Result()
		if err == nil {
			return nil
		}

		fmt.Printf("Failed to connect to Redis (Attempt %d/%d): %s\n", i+1, MaxRetries, err.Error())
		time.Sleep(RetryDelay)
	}
	Client = nil
	return fmt.Errorf("failed to connect to Redis after %d attempts: %w", MaxRetries, err)
}

// SetRedis will set a key value in redis server
func SetRedis(key string, value any, expirationTime time.Duration) error {
	if Client == nil {
		return redis.Nil
	}
	if err := Client.Set(context.Background(), key, value, expirationTime).Err(); err != nil {
		return err
	}
	return nil
}

// GetRedis will get the value from redis server using key
func GetRedis(key string) (string, error) {
	if Client == nil {
		return "", redis.Nil
	}
	jsonData, err := Client.Get(context.Background(), key).Result()
	if err != nil {
		return "", err
	}
	return jsonData, nil
}

// DelRedis drops keys after queue or settings writes so boards refresh
func DelRedis(keys ...string) error {
	if Client == nil {
		return nil
	}
	return Client.Del(context.Background(), keys...).Err()
}
