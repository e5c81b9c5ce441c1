package service

import (
	"classroom_qa_backend/internal/config"
	"classroom_qa_backend/pkg/logger"
	"classroom_qa_backend/pkg/monitoring"
	"classroom_qa_backend/pkg/tracing"
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	DefaultFailOpenScore    = 0.7
	DefaultRelevanceTimeout = 3 * time.Second

	FailOpenFeedback = "Relevance check unavailable; question accepted without scoring."
)

// RelevanceVerdict 单次评估结果，不单独持久化
type RelevanceVerdict struct {
	Score      float64 `json:"relevance_score"`
	IsRelevant bool    `json:"is_relevant"`
	Feedback   string  `json:"feedback,omitempty"`
	FailOpen   bool    `json:"-"`
}

// RelevanceService 相关性闸门。打分服务不可用时放行（fail-open）。
type RelevanceService struct {
	scorer SemanticScorer

	mu            sync.RWMutex
	timeout       time.Duration
	failOpenScore float64
}

func NewRelevanceService(scorer SemanticScorer, cfg config.RelevanceConfig) *RelevanceService {
	s := &RelevanceService{scorer: scorer}
	s.UpdateConfig(cfg)
	return s
}

// UpdateConfig 配置热更新时调用
func (s *RelevanceService) UpdateConfig(cfg config.RelevanceConfig) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRelevanceTimeout
	}
	failOpen := cfg.FailOpenScore
	if !validScore(failOpen) {
		failOpen = DefaultFailOpenScore
	}

	s.mu.Lock()
	s.timeout = timeout
	s.failOpenScore = failOpen
	s.mu.Unlock()
}

func (s *RelevanceService) settings() (time.Duration, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeout, s.failOpenScore
}

func (s *RelevanceService) Evaluate(ctx context.Context, sc SessionContext, candidate string) RelevanceVerdict {
	ctx, span := tracing.Tracer().Start(ctx, "relevance.evaluate")
	defer span.End()

	timeout, failOpenScore := s.settings()
	score, err := s.score(ctx, timeout, sc, candidate)

	var verdict RelevanceVerdict
	switch {
	case err != nil:
		logger.Log.Warn("relevance scorer unavailable, failing open",
			zap.String("sessionId", sc.SessionID), zap.Error(err))
		monitoring.RelevanceFailOpen.Inc()
		verdict = RelevanceVerdict{
			Score:      failOpenScore,
			IsRelevant: true,
			Feedback:   FailOpenFeedback,
			FailOpen:   true,
		}
		monitoring.RelevanceVerdicts.WithLabelValues("fail_open").Inc()
	case !sc.UseFiltering:
		// 未开启过滤时分数仅用于统计
		verdict = RelevanceVerdict{Score: score, IsRelevant: true}
		monitoring.RelevanceVerdicts.WithLabelValues("unfiltered").Inc()
	default:
		threshold := sc.Threshold
		verdict = RelevanceVerdict{Score: score, IsRelevant: score >= threshold}
		if verdict.IsRelevant {
			monitoring.RelevanceVerdicts.WithLabelValues("accepted").Inc()
		} else {
			verdict.Feedback = rejectionFeedback(sc, score, threshold)
			monitoring.RelevanceVerdicts.WithLabelValues("rejected").Inc()
		}
	}

	span.SetAttributes(
		attribute.Float64("relevance.score", verdict.Score),
		attribute.Bool("relevance.is_relevant", verdict.IsRelevant),
		attribute.Bool("relevance.fail_open", verdict.FailOpen),
	)
	return verdict
}

func (s *RelevanceService) score(ctx context.Context, timeout time.Duration, sc SessionContext, candidate string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		score float64
		err   error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		score, err := s.scorer.Score(ctx, candidate, sc.Text())
		done <- result{score, err}
	}()

	// 打分实现不一定遵守 ctx，超时后直接放弃结果
	select {
	case <-ctx.Done():
		monitoring.RelevanceScoreDuration.Observe(time.Since(start).Seconds())
		return 0, fmt.Errorf("relevance scoring timed out after %s: %w", timeout, ctx.Err())
	case r := <-done:
		monitoring.RelevanceScoreDuration.Observe(time.Since(start).Seconds())
		if r.err != nil {
			return 0, r.err
		}
		if !validScore(r.score) {
			return 0, fmt.Errorf("relevance score out of range: %v", r.score)
		}
		return r.score, nil
	}
}

func rejectionFeedback(sc SessionContext, score, threshold float64) string {
	topic := sc.Title
	if topic == "" {
		topic = "this session"
	}
	return fmt.Sprintf("Your question doesn't seem related to %q (relevance %.2f, needs %.2f). Please revise it to focus on the session topic and try again.",
		topic, score, threshold)
}
