// Package storage は音声メモを保存するオブジェクトストレージを提供する。
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/Dezzy-dev/amara/internal/model"
)

// keyPrefix は音声メモのオブジェクトキーの接頭辞。
const keyPrefix = "voice-notes"

var (
	// ErrNotFound はオブジェクトが存在しないか、所有者が一致しないことを示す。
	ErrNotFound = errors.New("voice note not found")
	// ErrTooLarge はオブジェクトが読み込み上限を超えたことを示す。
	ErrTooLarge = errors.New("voice note too large")
)

// テストで差し替えるためのSDK呼び出し
var (
	loadDefaultAWSConfig = config.LoadDefaultConfig

	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) ObjectAPI {
		return s3.NewFromConfig(cfg, optFns...)
	}
)

// ObjectAPI はS3クライアントのうち使用する操作。
type ObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config はS3接続設定。
type Config struct {
	Bucket        string
	Region        string
	BaseEndpoint  string // MinIOなどS3互換ストレージを使う場合に指定する
	AccessKey     string
	SecretKey     string
	PublicBaseURL string // オブジェクトの公開URLの接頭辞
	MaxBytes      int64
}

// Object は保存済みの音声メモ。
type Object struct {
	Key         string
	URL         string
	ContentType string
	Data        []byte
}

// S3Store はS3互換ストレージに音声メモを保存する。
type S3Store struct {
	api           ObjectAPI
	bucket        string
	publicBaseURL string
	maxBytes      int64
	now           func() time.Time
}

// NewS3Store はS3Storeを生成する。
// アクセスキーが指定されていない場合はSDKの既定の認証情報チェーンを使う。
func NewS3Store(ctx context.Context, cfg Config) (*S3Store, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := newS3ClientFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3StoreWithAPI(api, cfg), nil
}

// NewS3StoreWithAPI は生成済みのクライアントを使うS3Storeを返す。
func NewS3StoreWithAPI(api ObjectAPI, cfg Config) *S3Store {
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" && cfg.BaseEndpoint != "" {
		base = strings.TrimRight(cfg.BaseEndpoint, "/") + "/" + cfg.Bucket
	}
	if base == "" {
		base = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}

	return &S3Store{
		api:           api,
		bucket:        cfg.Bucket,
		publicBaseURL: base,
		maxBytes:      cfg.MaxBytes,
		now:           time.Now,
	}
}

// Put は音声データを所有者の名前空間に保存する。
func (s *S3Store) Put(ctx context.Context, owner model.IdentityRef, data []byte, contentType string) (*Object, error) {
	key := s.newKey(owner, contentType)

	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return nil, fmt.Errorf("音声メモの保存に失敗しました: %w", err)
	}

	return &Object{Key: key, URL: s.URLFor(key), ContentType: contentType}, nil
}

// Get は所有者の音声メモを取得する。
// 他の所有者のキーや存在しないキーにはErrNotFoundを返す。
func (s *S3Store) Get(ctx context.Context, owner model.IdentityRef, key string) (*Object, error) {
	if !s.Owns(owner, key) {
		return nil, ErrNotFound
	}

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("音声メモの取得に失敗しました: %w", err)
	}
	defer out.Body.Close()

	reader := io.Reader(out.Body)
	if s.maxBytes > 0 {
		reader = io.LimitReader(out.Body, s.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("音声メモの読み込みに失敗しました: %w", err)
	}
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return nil, ErrTooLarge
	}

	contentType := aws.ToString(out.ContentType)
	return &Object{Key: key, URL: s.URLFor(key), ContentType: contentType, Data: data}, nil
}

// URLFor はキーの公開URLを返す。
func (s *S3Store) URLFor(key string) string {
	return s.publicBaseURL + "/" + key
}

// KeyFromURL は公開URLからキーを取り出す。このストアのURLでなければfalseを返す。
func (s *S3Store) KeyFromURL(rawURL string) (string, bool) {
	prefix := s.publicBaseURL + "/"
	if !strings.HasPrefix(rawURL, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(rawURL, prefix)
	if key == "" || strings.ContainsAny(key, "?#") {
		return "", false
	}
	return key, true
}

// Owns はキーが所有者の名前空間に属するかどうかを返す。
func (s *S3Store) Owns(owner model.IdentityRef, key string) bool {
	if strings.Contains(key, "..") {
		return false
	}
	return strings.HasPrefix(key, ownerPrefix(owner))
}

// newKey は voice-notes/{種別}/{ID}/{yyyy}/{mm}/{dd}/{uuid}.{拡張子} 形式のキーを生成する。
func (s *S3Store) newKey(owner model.IdentityRef, contentType string) string {
	d := s.now().UTC()
	return fmt.Sprintf("%s%04d/%02d/%02d/%s.%s",
		ownerPrefix(owner), d.Year(), int(d.Month()), d.Day(), uuid.NewString(), Extension(contentType))
}

func ownerPrefix(owner model.IdentityRef) string {
	return fmt.Sprintf("%s/%s/%s/", keyPrefix, owner.Kind, url.PathEscape(owner.ID))
}

var extensions = map[string]string{
	"audio/webm":  "webm",
	"audio/ogg":   "ogg",
	"audio/mpeg":  "mp3",
	"audio/mp3":   "mp3",
	"audio/mp4":   "m4a",
	"audio/x-m4a": "m4a",
	"audio/aac":   "aac",
	"audio/wav":   "wav",
	"audio/x-wav": "wav",
	"audio/wave":  "wav",
	"audio/flac":  "flac",
}

// Extension はContent-Typeに対応する拡張子を返す。パラメータ（;codecs=...）は無視する。
func Extension(contentType string) string {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if ext, ok := extensions[mediaType]; ok {
		return ext
	}
	return "bin"
}

// IsAudio はContent-Typeが音声かどうかを返す。
func IsAudio(contentType string) bool {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	return strings.HasPrefix(mediaType, "audio/")
}
