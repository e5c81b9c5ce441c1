package service

import (
	"bytes"
	"classroom_qa_backend/internal/config"
	"classroom_qa_backend/internal/util"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// SemanticScorer 外部语义相关性服务，返回 [0,1] 的分数
type SemanticScorer interface {
	Score(ctx context.Context, text, sessionContext string) (float64, error)
}

var ErrScorerUnavailable = errors.New("relevance scorer unavailable")

// HTTPScorer 调用独立部署的相关性微服务
type HTTPScorer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPScorer(baseURL string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type scoreRequest struct {
	Question string `json:"question"`
	Context  string `json:"context"`
}

type scoreResponse struct {
	RelevanceScore *float64 `json:"relevance_score"`
}

func (s *HTTPScorer) Score(ctx context.Context, text, sessionContext string) (float64, error) {
	if s.baseURL == "" {
		return 0, ErrScorerUnavailable
	}

	body, err := json.Marshal(scoreRequest{Question: text, Context: sessionContext})
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("relevance service request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("relevance service error (status %d): %s", resp.StatusCode, string(msg))
	}

	var out scoreResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode relevance response: %w", err)
	}
	if out.RelevanceScore == nil {
		return 0, errors.New("relevance response missing relevance_score")
	}
	return *out.RelevanceScore, nil
}

// unavailableScorer 未配置打分服务时使用，所有评估走 fail-open
type unavailableScorer struct{}

func (unavailableScorer) Score(context.Context, string, string) (float64, error) {
	return 0, ErrScorerUnavailable
}

// NewScorer 按配置构造打分实现
func NewScorer(cfg config.RelevanceConfig) (SemanticScorer, error) {
	switch cfg.Provider {
	case util.RelevanceProviderHTTP:
		return NewHTTPScorer(cfg.ServiceURL, cfg.Timeout), nil
	case util.RelevanceProviderOpenAI:
		return NewEmbeddingScorer(cfg)
	case util.RelevanceProviderNone, "":
		return unavailableScorer{}, nil
	}
	return nil, fmt.Errorf("unknown relevance provider %q", cfg.Provider)
}

func validScore(score float64) bool {
	return !math.IsNaN(score) && score >= 0 && score <= 1
}
