// Package storage 提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"neora-go/internal/config"
	"neora-go/pkg/log"
)

// AudioStore 保存语音消息并返回可供客户端访问的 URL。
type AudioStore interface {
	Save(ctx context.Context, userID, filename, contentType string, data []byte) (string, error)
}

type minioStore struct {
	client *minio.Client
	bucket string
	expiry time.Duration
}

// NewMinIOStore 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinIOStore(ctx context.Context, cfg config.MinIOConfig) (AudioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
	}
	log.Infof("MinIO 客户端初始化成功, bucket=%s", cfg.BucketName)

	expiry := time.Duration(cfg.PresignExpiryHours) * time.Hour
	// S3 预签名链接最长 7 天
	if expiry <= 0 || expiry > 7*24*time.Hour {
		expiry = 7 * 24 * time.Hour
	}
	return &minioStore{client: client, bucket: cfg.BucketName, expiry: expiry}, nil
}

// Save 将音频写入 voice_messages/<user>/<date>/<uuid><ext>，返回预签名 GET 链接。
func (s *minioStore) Save(ctx context.Context, userID, filename, contentType string, data []byte) (string, error) {
	objectName := ObjectName(userID, filename, time.Now())
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("上传语音文件失败: %w", err)
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, s.expiry, nil)
	if err != nil {
		log.Errorf("Error generating presigned URL: %s", err)
		return "", fmt.Errorf("生成语音文件链接失败: %w", err)
	}
	return u.String(), nil
}

// ObjectName 生成语音文件的对象名，扩展名缺省为 .webm。
func ObjectName(userID, filename string, now time.Time) string {
	ext := strings.ToLower(path.Ext(filename))
	if ext == "" {
		ext = ".webm"
	}
	return fmt.Sprintf("voice_messages/%s/%s/%s%s", userID, now.UTC().Format("2006/01/02"), uuid.NewString(), ext)
}
