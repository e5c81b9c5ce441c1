package service

import (
	"bytes"
	"classroom_qa_backend/internal/config"
	"classroom_qa_backend/internal/util"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// maxTranscriptChars 作为相关性上下文时只保留最近的内容
const maxTranscriptChars = 2000

// TranscriptStore 保存课堂转写/摘要文本，读取不存在的转写返回空字符串
type TranscriptStore interface {
	Put(ctx context.Context, sessionID, text string) error
	Get(ctx context.Context, sessionID string) (string, error)
}

func transcriptObjectName(sessionID string) string {
	return fmt.Sprintf("sessions/%s/transcript.txt", sessionID)
}

// LocalTranscriptStore 本地文件实现
type LocalTranscriptStore struct {
	Root string
}

func (s *LocalTranscriptStore) path(sessionID string) string {
	return filepath.Join(s.Root, transcriptObjectName(filepath.Base(sessionID)))
}

func (s *LocalTranscriptStore) Put(ctx context.Context, sessionID, text string) error {
	dst := s.path(sessionID)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte(text), 0644)
}

func (s *LocalTranscriptStore) Get(ctx context.Context, sessionID string) (string, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return tailRunes(string(data), maxTranscriptChars), nil
}

// MinioTranscriptStore MinIO/S3 兼容对象存储实现
type MinioTranscriptStore struct {
	Client *minio.Client
	Bucket string
}

func NewMinioTranscriptStore(cfg *config.StorageConfig) (*MinioTranscriptStore, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessID, cfg.MinioSecret, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}

	return &MinioTranscriptStore{Client: client, Bucket: cfg.MinioBucket}, nil
}

func (s *MinioTranscriptStore) Put(ctx context.Context, sessionID, text string) error {
	data := []byte(text)
	_, err := s.Client.PutObject(ctx, s.Bucket, transcriptObjectName(sessionID),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
	return err
}

func (s *MinioTranscriptStore) Get(ctx context.Context, sessionID string) (string, error) {
	obj, err := s.Client.GetObject(ctx, s.Bucket, transcriptObjectName(sessionID), minio.GetObjectOptions{})
	if err != nil {
		return "", err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", nil
		}
		return "", err
	}
	return tailRunes(string(data), maxTranscriptChars), nil
}

func NewTranscriptStore(cfg *config.StorageConfig) (TranscriptStore, error) {
	switch cfg.Type {
	case util.StorageMinio:
		return NewMinioTranscriptStore(cfg)
	case util.StorageLocal, "":
		return &LocalTranscriptStore{Root: cfg.LocalPath}, nil
	}
	return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
}

func tailRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}
