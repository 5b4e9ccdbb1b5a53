package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/afterlight/chatguard/internal/config"
	"github.com/afterlight/chatguard/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// Storage interface defines incident storage operations. Incidents are
// returned newest first.
type Storage interface {
	SaveIncident(ctx context.Context, incident *models.Incident) error
	ListIncidents(ctx context.Context, userID string, limit int) ([]models.Incident, error)
	Ping(ctx context.Context) error
	Close() error
}

// Manager manages different storage backends
type Manager struct {
	storage Storage
	logger  *logrus.Logger
	now     func() time.Time
}

// NewManager creates a new storage manager
func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	var storage Storage

	switch cfg.Storage.Type {
	case "redis":
		redisStorage, err := NewRedisStorage(cfg, logger)
		if err != nil {
			return nil, err
		}
		storage = redisStorage
	case "memory":
		storage = NewMemoryStorage(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	logger.WithField("type", cfg.Storage.Type).Info("Incident storage initialized")

	return &Manager{
		storage: storage,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// SaveIncident assigns an ID and timestamp when missing and stores the incident
func (m *Manager) SaveIncident(ctx context.Context, incident *models.Incident) error {
	if incident.ID == "" {
		incident.ID = uuid.NewString()
	}
	if incident.CreatedAt.IsZero() {
		incident.CreatedAt = m.now().UTC()
	}
	if err := m.storage.SaveIncident(ctx, incident); err != nil {
		return fmt.Errorf("failed to save incident: %w", err)
	}
	return nil
}

func (m *Manager) ListIncidents(ctx context.Context, userID string, limit int) ([]models.Incident, error) {
	return m.storage.ListIncidents(ctx, userID, limit)
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.storage.Ping(ctx)
}

func (m *Manager) Close() error {
	return m.storage.Close()
}

func incidentKey(userID string) string {
	return fmt.Sprintf("incidents:%s", userID)
}

// RedisStorage implements storage using Redis lists of JSON records
type RedisStorage struct {
	client    *redis.Client
	logger    *logrus.Logger
	maxItems  int
	retention time.Duration
}

func NewRedisStorage(cfg *config.Config, logger *logrus.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Storage.Redis.Addr,
		Password: cfg.Storage.Redis.Password,
		DB:       cfg.Storage.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{
		client:    client,
		logger:    logger,
		maxItems:  cfg.Storage.MaxIncidents,
		retention: cfg.Storage.IncidentRetention,
	}, nil
}

func (r *RedisStorage) SaveIncident(ctx context.Context, incident *models.Incident) error {
	data, err := json.Marshal(incident)
	if err != nil {
		return err
	}

	key := incidentKey(incident.UserID)
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	if r.maxItems > 0 {
		pipe.LTrim(ctx, key, 0, int64(r.maxItems-1))
	}
	if r.retention > 0 {
		pipe.Expire(ctx, key, r.retention)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStorage) ListIncidents(ctx context.Context, userID string, limit int) ([]models.Incident, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	items, err := r.client.LRange(ctx, incidentKey(userID), 0, stop).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make([]models.Incident, 0, len(items))
	for _, item := range items {
		var incident models.Incident
		if err := json.Unmarshal([]byte(item), &incident); err != nil {
			r.logger.WithError(err).WithField("user_id", userID).Warn("Skipping malformed incident")
			continue
		}
		out = append(out, incident)
	}
	return out, nil
}

func (r *RedisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}

// MemoryStorage implements storage using in-memory cache
type MemoryStorage struct {
	mu        sync.Mutex
	incidents *cache.Cache
	maxItems  int
	logger    *logrus.Logger
}

func NewMemoryStorage(cfg *config.Config, logger *logrus.Logger) *MemoryStorage {
	retention := cfg.Storage.IncidentRetention
	if retention <= 0 {
		retention = cache.NoExpiration
	}

	return &MemoryStorage{
		incidents: cache.New(retention, cfg.Storage.Memory.CleanupInterval),
		maxItems:  cfg.Storage.MaxIncidents,
		logger:    logger,
	}
}

func (m *MemoryStorage) SaveIncident(ctx context.Context, incident *models.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := incidentKey(incident.UserID)
	var list []models.Incident
	if val, found := m.incidents.Get(key); found {
		list = val.([]models.Incident)
	}

	next := make([]models.Incident, 0, len(list)+1)
	next = append(next, *incident)
	next = append(next, list...)
	if m.maxItems > 0 && len(next) > m.maxItems {
		next = next[:m.maxItems]
	}

	m.incidents.SetDefault(key, next)
	return nil
}

func (m *MemoryStorage) ListIncidents(ctx context.Context, userID string, limit int) ([]models.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	val, found := m.incidents.Get(incidentKey(userID))
	if !found {
		return nil, nil
	}
	list := val.([]models.Incident)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}

	out := make([]models.Incident, len(list))
	copy(out, list)
	return out, nil
}

func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStorage) Close() error {
	m.incidents.Flush()
	return nil
}
