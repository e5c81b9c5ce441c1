package service

import (
	"classroom_qa_backend/internal/config"
	"classroom_qa_backend/internal/model"
	"classroom_qa_backend/internal/util"
	"classroom_qa_backend/pkg/logger"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AnonymousPlaceholder 匿名身份无法解析时列表展示使用，不会被持久化
const AnonymousPlaceholder = "Anonymous Student"

var errNameSpaceExhausted = errors.New("no free display name after max attempts")

// IdentityStore 匿名身份存储，需要 (session_id, user_id) 与 (session_id, display_name) 两个唯一约束
type IdentityStore interface {
	Find(ctx context.Context, sessionID string, userID uint) (*model.AnonymousIdentity, error)
	CreateIfAbsent(ctx context.Context, identity *model.AnonymousIdentity) (bool, error)
	NamesInSession(ctx context.Context, sessionID string) ([]string, error)
	NamesByUsers(ctx context.Context, sessionID string, userIDs []uint) (map[uint]string, error)
}

type IdentityService struct {
	store        IdentityStore
	names        *NameGenerator
	redis        *redis.Client
	maxAttempts  int
	retryBackoff time.Duration
	cacheTTL     time.Duration
}

func NewIdentityService(store IdentityStore, rdb *redis.Client, cfg config.IdentityConfig) *IdentityService {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 16
	}
	return &IdentityService{
		store:        store,
		names:        NewNameGenerator(),
		redis:        rdb,
		maxAttempts:  maxAttempts,
		retryBackoff: cfg.RetryBackoff,
		cacheTTL:     cfg.CacheTTL,
	}
}

// Resolve 返回 (sessionID, userID) 的匿名名称，不存在时创建。
// 可并发调用：并发创建由唯一约束裁决，失败方重新读取胜出者的名称。
func (s *IdentityService) Resolve(ctx context.Context, sessionID string, userID uint) (string, error) {
	if sessionID == "" || userID == 0 {
		return "", util.ErrInvalidArgument
	}

	if name, ok := s.cacheGet(ctx, sessionID, userID); ok {
		return name, nil
	}

	name, err := s.resolveOnce(ctx, sessionID, userID)
	if err != nil && !errors.Is(err, errNameSpaceExhausted) && ctx.Err() == nil {
		logger.Log.Warn("identity resolve failed, retrying",
			zap.String("sessionId", sessionID), zap.Error(err))
		if sleepCtx(ctx, s.retryBackoff) == nil {
			name, err = s.resolveOnce(ctx, sessionID, userID)
		}
	}
	if err != nil {
		logger.Log.Error("identity unavailable", zap.String("sessionId", sessionID), zap.Error(err))
		return "", fmt.Errorf("%w: %v", util.ErrIdentityUnavailable, err)
	}

	s.cacheSet(ctx, sessionID, userID, name)
	return name, nil
}

func (s *IdentityService) resolveOnce(ctx context.Context, sessionID string, userID uint) (string, error) {
	existing, err := s.store.Find(ctx, sessionID, userID)
	if err == nil {
		return existing.DisplayName, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	assigned, err := s.store.NamesInSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(assigned))
	for _, n := range assigned {
		taken[n] = true
	}

	// 普通组合用尽或多次冲突后改用带数字后缀的名称
	suffixFrom := s.maxAttempts / 2
	if len(taken) >= PoolSize() {
		suffixFrom = 0
	}

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		candidate := s.names.Draw(taken, attempt >= suffixFrom)
		created, err := s.store.CreateIfAbsent(ctx, &model.AnonymousIdentity{
			SessionID:   sessionID,
			UserID:      userID,
			DisplayName: candidate,
		})
		if err != nil {
			return "", err
		}
		if created {
			return candidate, nil
		}

		// 冲突：要么本用户已被并发创建，要么名称已被占用
		existing, err := s.store.Find(ctx, sessionID, userID)
		if err == nil {
			return existing.DisplayName, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", err
		}
		taken[candidate] = true
	}

	return "", errNameSpaceExhausted
}

// DisplayNames 批量查询已有匿名名称，不会创建新身份
func (s *IdentityService) DisplayNames(ctx context.Context, sessionID string, userIDs []uint) (map[uint]string, error) {
	return s.store.NamesByUsers(ctx, sessionID, userIDs)
}

func identityCacheKey(sessionID string, userID uint) string {
	return fmt.Sprintf("anon:%s:%d", sessionID, userID)
}

func (s *IdentityService) cacheGet(ctx context.Context, sessionID string, userID uint) (string, bool) {
	if s.redis == nil {
		return "", false
	}
	name, err := s.redis.Get(ctx, identityCacheKey(sessionID, userID)).Result()
	if err != nil {
		if err != redis.Nil {
			logger.Log.Debug("identity cache read failed", zap.Error(err))
		}
		return "", false
	}
	return name, name != ""
}

func (s *IdentityService) cacheSet(ctx context.Context, sessionID string, userID uint, name string) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Set(ctx, identityCacheKey(sessionID, userID), name, s.cacheTTL).Err(); err != nil {
		logger.Log.Debug("identity cache write failed", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
