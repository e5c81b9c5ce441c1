package service

import (
	"classroom_qa_backend/internal/config"
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Embedder 抽象 embeddings 接口，便于替换为兼容 OpenAI 的本地服务
type Embedder interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// EmbeddingScorer 用问题与会话上下文向量的余弦相似度作为相关性分数
type EmbeddingScorer struct {
	client Embedder
	model  string
}

func NewEmbeddingScorer(cfg config.RelevanceConfig) (*EmbeddingScorer, error) {
	if cfg.OpenAIAPIKey == "" && cfg.OpenAIBaseURL == "" {
		return nil, errors.New("openai relevance provider requires api key or base url")
	}
	clientConfig := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if cfg.OpenAIBaseURL != "" {
		clientConfig.BaseURL = strings.TrimSuffix(cfg.OpenAIBaseURL, "/")
	}
	return NewEmbeddingScorerWithClient(openai.NewClientWithConfig(clientConfig), cfg.EmbeddingModel), nil
}

func NewEmbeddingScorerWithClient(client Embedder, model string) *EmbeddingScorer {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &EmbeddingScorer{client: client, model: model}
}

func (s *EmbeddingScorer) Score(ctx context.Context, text, sessionContext string) (float64, error) {
	if strings.TrimSpace(sessionContext) == "" {
		return 0, errors.New("empty session context")
	}

	resp, err := s.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(s.model),
		Input: []string{text, sessionContext},
	})
	if err != nil {
		return 0, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != 2 {
		return 0, fmt.Errorf("expected 2 embeddings, got %d", len(resp.Data))
	}

	// 返回顺序以 Index 为准
	vecs := make([][]float32, 2)
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index > 1 {
			return 0, fmt.Errorf("unexpected embedding index %d", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}

	cos, err := cosineSimilarity(vecs[0], vecs[1])
	if err != nil {
		return 0, err
	}
	return (cos + 1) / 2, nil
}

func cosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, fmt.Errorf("embedding dimension mismatch (%d vs %d)", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, errors.New("zero-length embedding")
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, cos)), nil
}
