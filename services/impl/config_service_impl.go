package impl

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/neuroroute/neuroroute/models"
	"github.com/neuroroute/neuroroute/services"
)

const (
	// configEntryTTL bounds how long an in-memory config entry is served
	// before re-reading the persistent store.
	configEntryTTL = 60 * time.Second

	apiKeyPrefix = "api_key."
)

type cachedValue struct {
	value     string
	fetchedAt time.Time
}

// configServiceImpl implements ConfigService over a gorm store with a
// per-process read cache and synchronous change notification.
type configServiceImpl struct {
	db     *gorm.DB
	logger *logrus.Logger

	encryptionKey [32]byte

	mu       sync.RWMutex
	cache    map[string]cachedValue
	defaults map[string]string

	listenerMu sync.RWMutex
	listeners  map[string][]func(models.ConfigChangeEvent)
}

// NewConfigService creates the dynamic config store. secret seeds the
// AES-256 credential key; defaults are the process-start fallbacks served
// when a key is absent from the store.
func NewConfigService(db *gorm.DB, secret string, defaults map[string]string, logger *logrus.Logger) services.ConfigService {
	if defaults == nil {
		defaults = make(map[string]string)
	}
	return &configServiceImpl{
		db:            db,
		logger:        logger,
		encryptionKey: sha256.Sum256([]byte(secret)),
		cache:         make(map[string]cachedValue),
		defaults:      defaults,
		listeners:     make(map[string][]func(models.ConfigChangeEvent)),
	}
}

func (s *configServiceImpl) Get(ctx context.Context, key, def string) string {
	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < configEntryTTL {
		return entry.value
	}

	var row models.ConfigEntry
	err := s.db.WithContext(ctx).First(&row, "key = ?", key).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logger.WithError(err).WithField("key", key).Warn("config read failed, using default")
		}
		if d, ok := s.defaults[key]; ok {
			return d
		}
		return def
	}

	s.mu.Lock()
	s.cache[key] = cachedValue{value: row.Value, fetchedAt: time.Now()}
	s.mu.Unlock()
	return row.Value
}

func (s *configServiceImpl) Set(ctx context.Context, key, value string) error {
	old := s.Get(ctx, key, "")

	row := models.ConfigEntry{Key: key, Value: value, UpdatedAt: time.Now()}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return models.NewError(models.ErrDBQuery, "config", fmt.Sprintf("failed to set %s", key)).WithCause(err)
	}

	s.mu.Lock()
	s.cache[key] = cachedValue{value: value, fetchedAt: time.Now()}
	s.mu.Unlock()

	s.notify(models.ConfigChangeEvent{
		Key:       key,
		OldValue:  old,
		NewValue:  value,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (s *configServiceImpl) Reset(ctx context.Context, key string) error {
	old := s.Get(ctx, key, "")

	if err := s.db.WithContext(ctx).Delete(&models.ConfigEntry{}, "key = ?", key).Error; err != nil {
		return models.NewError(models.ErrDBQuery, "config", fmt.Sprintf("failed to reset %s", key)).WithCause(err)
	}

	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	s.notify(models.ConfigChangeEvent{
		Key:       key,
		OldValue:  old,
		NewValue:  s.defaults[key],
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (s *configServiceImpl) GetAPIKey(ctx context.Context, provider string) string {
	stored := s.Get(ctx, apiKeyPrefix+provider, "")
	if stored == "" {
		return ""
	}
	plaintext, err := s.decrypt(stored)
	if err != nil {
		s.logger.WithError(err).WithField("provider", provider).Error("credential decrypt failed")
		return ""
	}
	return plaintext
}

func (s *configServiceImpl) SetAPIKey(ctx context.Context, provider, key string) error {
	encrypted, err := s.encrypt(key)
	if err != nil {
		return models.NewError(models.ErrInternal, "config", "credential encrypt failed").WithCause(err)
	}
	return s.Set(ctx, apiKeyPrefix+provider, encrypted)
}

func (s *configServiceImpl) GetModelConfig(ctx context.Context, id string) (*models.ModelConfig, error) {
	var cfg models.ModelConfig
	err := s.db.WithContext(ctx).First(&cfg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewError(models.ErrNotFound, "config", fmt.Sprintf("model %s not found", id))
	}
	if err != nil {
		return nil, models.NewError(models.ErrDBQuery, "config", "model config read failed").WithCause(err)
	}
	return &cfg, nil
}

func (s *configServiceImpl) SetModelConfig(ctx context.Context, cfg *models.ModelConfig) error {
	if cfg.ID == "" {
		return models.NewError(models.ErrBadRequest, "config", "model config requires an id")
	}
	cfg.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(cfg).Error; err != nil {
		return models.NewError(models.ErrDBQuery, "config", "model config write failed").WithCause(err)
	}
	s.notify(models.ConfigChangeEvent{
		Key:       "model." + cfg.ID,
		NewValue:  cfg.ID,
		Timestamp: time.Now().UTC(),
	})
	return nil
}

func (s *configServiceImpl) GetAllModelConfigs(ctx context.Context) ([]models.ModelConfig, error) {
	var configs []models.ModelConfig
	if err := s.db.WithContext(ctx).Order("priority desc, id asc").Find(&configs).Error; err != nil {
		return nil, models.NewError(models.ErrDBQuery, "config", "model catalog read failed").WithCause(err)
	}
	return configs, nil
}

func (s *configServiceImpl) AddListener(key string, fn func(models.ConfigChangeEvent)) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners[key] = append(s.listeners[key], fn)
}

// notify delivers the event synchronously to key-specific and wildcard
// listeners. A panicking listener is logged and does not affect others.
func (s *configServiceImpl) notify(event models.ConfigChangeEvent) {
	s.listenerMu.RLock()
	fns := append([]func(models.ConfigChangeEvent){}, s.listeners[event.Key]...)
	fns = append(fns, s.listeners["*"]...)
	s.listenerMu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.WithField("key", event.Key).Errorf("config listener panic: %v", r)
				}
			}()
			fn(event)
		}()
	}
}

// encrypt produces hex(iv):hex(ciphertext) using AES-256-CBC with a random
// IV per call. The stored form stays portable across implementations.
func (s *configServiceImpl) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey[:])
	if err != nil {
		return "", err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ciphertext), nil
}

func (s *configServiceImpl) decrypt(stored string) (string, error) {
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("malformed credential blob")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != aes.BlockSize {
		return "", fmt.Errorf("malformed credential IV")
	}
	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("malformed credential ciphertext")
	}

	block, err := aes.NewCipher(s.encryptionKey[:])
	if err != nil {
		return "", err
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padding)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padding)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}
