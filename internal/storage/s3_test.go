package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/Dezzy-dev/amara/internal/model"
)

// fakeObjectAPI はメモリ上にオブジェクトを保持するObjectAPIのモック。
type fakeObjectAPI struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	putErr  error
	getErr  error
}

type fakeObject struct {
	data        []byte
	contentType string
}

func newFakeObjectAPI() *fakeObjectAPI {
	return &fakeObjectAPI{objects: make(map[string]fakeObject)}
}

func (f *fakeObjectAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeObject{data: data, contentType: aws.ToString(in.ContentType)}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjectAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:        io.NopCloser(bytes.NewReader(obj.data)),
		ContentType: aws.String(obj.contentType),
	}, nil
}

var (
	alice  = model.IdentityRef{ID: "4f9c1c2e-0000-4000-8000-000000000001", Kind: model.IdentityAuthenticated}
	device = model.IdentityRef{ID: "device-123", Kind: model.IdentityAnonymous}
)

func newTestStore(api ObjectAPI) *S3Store {
	s := NewS3StoreWithAPI(api, Config{
		Bucket:        "amara-voice",
		Region:        "us-east-1",
		PublicBaseURL: "https://cdn.example.com/voice/",
		MaxBytes:      1024,
	})
	s.now = func() time.Time { return time.Date(2026, 3, 7, 23, 30, 0, 0, time.UTC) }
	return s
}

func TestS3Store_PutAndGet(t *testing.T) {
	api := newFakeObjectAPI()
	s := newTestStore(api)

	obj, err := s.Put(context.Background(), alice, []byte("audio-bytes"), "audio/webm;codecs=opus")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	wantPrefix := "voice-notes/authenticated/" + alice.ID + "/2026/03/07/"
	if !strings.HasPrefix(obj.Key, wantPrefix) {
		t.Errorf("key = %q, want prefix %q", obj.Key, wantPrefix)
	}
	if !strings.HasSuffix(obj.Key, ".webm") {
		t.Errorf("key = %q, want .webm suffix", obj.Key)
	}
	if obj.URL != "https://cdn.example.com/voice/"+obj.Key {
		t.Errorf("url = %q", obj.URL)
	}

	got, err := s.Get(context.Background(), alice, obj.Key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got.Data) != "audio-bytes" {
		t.Errorf("data = %q, want %q", got.Data, "audio-bytes")
	}
	if got.ContentType != "audio/webm;codecs=opus" {
		t.Errorf("content type = %q", got.ContentType)
	}
}

func TestS3Store_Get_OtherOwnerIsNotFound(t *testing.T) {
	api := newFakeObjectAPI()
	s := newTestStore(api)

	obj, err := s.Put(context.Background(), alice, []byte("x"), "audio/ogg")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	// 同じIDでも種別が異なれば別の名前空間
	spoof := model.IdentityRef{ID: alice.ID, Kind: model.IdentityAnonymous}
	for _, owner := range []model.IdentityRef{device, spoof} {
		if _, err := s.Get(context.Background(), owner, obj.Key); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%v) error = %v, want ErrNotFound", owner, err)
		}
	}
}

func TestS3Store_Get_MissingKey(t *testing.T) {
	s := newTestStore(newFakeObjectAPI())

	_, err := s.Get(context.Background(), device, "voice-notes/anonymous/device-123/2026/03/07/none.webm")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestS3Store_Get_TooLarge(t *testing.T) {
	api := newFakeObjectAPI()
	s := newTestStore(api)

	obj, err := s.Put(context.Background(), device, bytes.Repeat([]byte("a"), 2048), "audio/wav")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := s.Get(context.Background(), device, obj.Key); !errors.Is(err, ErrTooLarge) {
		t.Errorf("error = %v, want ErrTooLarge", err)
	}
}

func TestS3Store_PutError(t *testing.T) {
	api := newFakeObjectAPI()
	api.putErr = errors.New("connection refused")
	s := newTestStore(api)

	if _, err := s.Put(context.Background(), device, []byte("x"), "audio/ogg"); err == nil {
		t.Fatal("expected error")
	}
}

func TestS3Store_Owns(t *testing.T) {
	s := newTestStore(newFakeObjectAPI())

	tests := []struct {
		name  string
		owner model.IdentityRef
		key   string
		want  bool
	}{
		{"own key", device, "voice-notes/anonymous/device-123/2026/03/07/a.webm", true},
		{"other device", device, "voice-notes/anonymous/device-1234/2026/03/07/a.webm", false},
		{"other kind", device, "voice-notes/authenticated/device-123/2026/03/07/a.webm", false},
		{"traversal", device, "voice-notes/anonymous/device-123/../device-9/a.webm", false},
		{"empty", device, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Owns(tt.owner, tt.key); got != tt.want {
				t.Errorf("Owns() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestS3Store_OwnerIDIsEscaped(t *testing.T) {
	s := newTestStore(newFakeObjectAPI())
	owner := model.IdentityRef{ID: "a/b", Kind: model.IdentityAnonymous}

	obj, err := s.Put(context.Background(), owner, []byte("x"), "audio/ogg")
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if !strings.HasPrefix(obj.Key, "voice-notes/anonymous/a%2Fb/") {
		t.Errorf("key = %q", obj.Key)
	}
	if s.Owns(model.IdentityRef{ID: "a", Kind: model.IdentityAnonymous}, obj.Key) {
		t.Error("device \"a\" must not own the key of device \"a/b\"")
	}
}

func TestS3Store_KeyFromURL(t *testing.T) {
	s := newTestStore(newFakeObjectAPI())

	tests := []struct {
		url    string
		want   string
		wantOK bool
	}{
		{"https://cdn.example.com/voice/voice-notes/x.webm", "voice-notes/x.webm", true},
		{"https://evil.example.com/voice/voice-notes/x.webm", "", false},
		{"https://cdn.example.com/voice/", "", false},
		{"https://cdn.example.com/voice/a.webm?sig=1", "", false},
	}
	for _, tt := range tests {
		got, ok := s.KeyFromURL(tt.url)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("KeyFromURL(%q) = (%q, %v), want (%q, %v)", tt.url, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestNewS3StoreWithAPI_PublicBaseURLDefaults(t *testing.T) {
	s := NewS3StoreWithAPI(newFakeObjectAPI(), Config{Bucket: "b", Region: "eu-west-1"})
	if got := s.URLFor("k"); got != "https://b.s3.eu-west-1.amazonaws.com/k" {
		t.Errorf("URLFor() = %q", got)
	}

	s = NewS3StoreWithAPI(newFakeObjectAPI(), Config{Bucket: "b", BaseEndpoint: "http://minio:9000/"})
	if got := s.URLFor("k"); got != "http://minio:9000/b/k" {
		t.Errorf("URLFor() = %q", got)
	}
}

func TestNewS3Store_UsesEndpointAndCredentials(t *testing.T) {
	origLoad := loadDefaultAWSConfig
	origNew := newS3ClientFromConfig
	t.Cleanup(func() {
		loadDefaultAWSConfig = origLoad
		newS3ClientFromConfig = origNew
	})

	var loadOptCount int
	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error) {
		loadOptCount = len(optFns)
		return aws.Config{Region: "us-east-1"}, nil
	}

	var opts s3.Options
	fake := newFakeObjectAPI()
	newS3ClientFromConfig = func(cfg aws.Config, optFns ...func(*s3.Options)) ObjectAPI {
		for _, fn := range optFns {
			fn(&opts)
		}
		return fake
	}

	s, err := NewS3Store(context.Background(), Config{
		Bucket:       "amara",
		Region:       "us-east-1",
		BaseEndpoint: "http://localhost:9000",
		AccessKey:    "minio",
		SecretKey:    "minio123",
	})
	if err != nil {
		t.Fatalf("NewS3Store() error = %v", err)
	}
	if loadOptCount != 2 {
		t.Errorf("load options = %d, want 2 (region + credentials)", loadOptCount)
	}
	if aws.ToString(opts.BaseEndpoint) != "http://localhost:9000" {
		t.Errorf("BaseEndpoint = %q", aws.ToString(opts.BaseEndpoint))
	}
	if !opts.UsePathStyle {
		t.Error("UsePathStyle should be enabled for a custom endpoint")
	}
	if s.api != fake {
		t.Error("store should use the client from newS3ClientFromConfig")
	}
}

func TestNewS3Store_LoadConfigError(t *testing.T) {
	origLoad := loadDefaultAWSConfig
	t.Cleanup(func() { loadDefaultAWSConfig = origLoad })

	loadDefaultAWSConfig = func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("boom")
	}

	if _, err := NewS3Store(context.Background(), Config{Bucket: "b"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"audio/webm":             "webm",
		"audio/webm;codecs=opus": "webm",
		"AUDIO/MPEG":             "mp3",
		"audio/x-wav":            "wav",
		"audio/unknown":          "bin",
		"":                       "bin",
	}
	for in, want := range tests {
		if got := Extension(in); got != want {
			t.Errorf("Extension(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsAudio(t *testing.T) {
	if !IsAudio("audio/ogg; codecs=opus") {
		t.Error("audio/ogg should be audio")
	}
	if IsAudio("application/json") {
		t.Error("application/json should not be audio")
	}
}
