package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
)

const (
	keyLiveRound     = "crash:round:live"
	keyRecentResults = "crash:results:recent"
	recentResultsCap = 50
	liveRoundTTL     = time.Hour
)

// Result is one finished round's outcome, kept in a short redis list so
// clients can render the recent-multiplier strip without hitting Postgres.
type Result struct {
	RoundID    int64   `json:"round_id"`
	Multiplier float64 `json:"multiplier"`
}

type Service interface {
	GetClient() *redis.Client
	Health() map[string]string
	Close() error

	StoreLiveRound(ctx context.Context, snapshot interface{}) error
	LiveRound(ctx context.Context, out interface{}) error
	PushResult(ctx context.Context, r Result) error
	RecentResults(ctx context.Context, n int64) ([]Result, error)
}

type service struct {
	client *redis.Client
}

var (
	redisAddr     = getEnv("REDIS_URL", "localhost:6379")
	redisPassword = getEnv("REDIS_PASSWORD", "")
	redisDB       = getEnvAsInt("REDIS_DB", 0)
	cacheInstance *service
)

func New() Service {
	if cacheInstance != nil {
		return cacheInstance
	}

	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DB:           redisDB,
		PoolSize:     100,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		log.Printf("[CACHE] Redis connection failed: %v", err)
		return nil
	}

	log.Println("[CACHE] Redis connected successfully")

	cacheInstance = &service{client: client}
	return cacheInstance
}

func (s *service) GetClient() *redis.Client {
	return s.client
}

// StoreLiveRound mirrors the public round snapshot for cheap reads.
func (s *service) StoreLiveRound(ctx context.Context, snapshot interface{}) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal live round: %w", err)
	}
	return s.client.Set(ctx, keyLiveRound, data, liveRoundTTL).Err()
}

func (s *service) LiveRound(ctx context.Context, out interface{}) error {
	data, err := s.client.Get(ctx, keyLiveRound).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// PushResult prepends a finished round to the recent-results strip.
func (s *service) PushResult(ctx context.Context, r Result) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, keyRecentResults, data)
	pipe.LTrim(ctx, keyRecentResults, 0, recentResultsCap-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *service) RecentResults(ctx context.Context, n int64) ([]Result, error) {
	if n <= 0 || n > recentResultsCap {
		n = recentResultsCap
	}
	raw, err := s.client.LRange(ctx, keyRecentResults, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(raw))
	for _, item := range raw {
		var r Result
		if json.Unmarshal([]byte(item), &r) == nil {
			results = append(results, r)
		}
	}
	return results, nil
}

func (s *service) Health() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	stats := make(map[string]string)

	_, err := s.client.Ping(ctx).Result()
	if err != nil {
		stats["status"] = "down"
		stats["error"] = fmt.Sprintf("redis down: %v", err)
		return stats
	}

	stats["status"] = "up"
	stats["message"] = "Redis is healthy"

	poolStats := s.client.PoolStats()
	stats["hits"] = strconv.FormatUint(uint64(poolStats.Hits), 10)
	stats["misses"] = strconv.FormatUint(uint64(poolStats.Misses), 10)
	stats["timeouts"] = strconv.FormatUint(uint64(poolStats.Timeouts), 10)
	stats["total_conns"] = strconv.FormatUint(uint64(poolStats.TotalConns), 10)
	stats["idle_conns"] = strconv.FormatUint(uint64(poolStats.IdleConns), 10)
	stats["stale_conns"] = strconv.FormatUint(uint64(poolStats.StaleConns), 10)

	return stats
}

func (s *service) Close() error {
	log.Println("[CACHE] Disconnecting from Redis")
	return s.client.Close()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
