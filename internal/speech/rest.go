package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// RESTTranscriber はspeech:recognize形式のREST APIで文字起こしを行う一次プロバイダ。
type RESTTranscriber struct {
	endpoint     string
	apiKey       string
	languageCode string
	client       *http.Client
}

// NewRESTTranscriber はRESTTranscriberを生成する。
// clientにはSSRF防止機能付きのクライアントを渡す。
func NewRESTTranscriber(endpoint, apiKey string, client *http.Client) (*RESTTranscriber, error) {
	if endpoint == "" || apiKey == "" {
		return nil, ErrNotConfigured
	}
	return &RESTTranscriber{
		endpoint:     endpoint,
		apiKey:       apiKey,
		languageCode: "en-US",
		client:       client,
	}, nil
}

type recognizeRequest struct {
	Config recognitionConfig `json:"config"`
	Audio  recognitionAudio  `json:"audio"`
}

type recognitionConfig struct {
	Encoding                   string `json:"encoding,omitempty"`
	LanguageCode               string `json:"languageCode"`
	EnableAutomaticPunctuation bool   `json:"enableAutomaticPunctuation"`
}

type recognitionAudio struct {
	Content string `json:"content"`
}

type recognizeResponse struct {
	Results []struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"results"`
}

// Transcribe は音声を送信し、各区間の最有力候補を連結して返す。
// 信頼度は区間ごとの値の平均。
func (t *RESTTranscriber) Transcribe(ctx context.Context, audio []byte, contentType string) (*Transcription, error) {
	body, err := json.Marshal(recognizeRequest{
		Config: recognitionConfig{
			Encoding:                   encodingFor(contentType),
			LanguageCode:               t.languageCode,
			EnableAutomaticPunctuation: true,
		},
		Audio: recognitionAudio{Content: base64.StdEncoding.EncodeToString(audio)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode recognize request: %w", err)
	}

	u, err := url.Parse(t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid speech endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", t.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build recognize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("recognize request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("recognize request returned status %d", resp.StatusCode)
	}

	var decoded recognizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode recognize response: %w", err)
	}

	var parts []string
	var confidence float64
	for _, r := range decoded.Results {
		if len(r.Alternatives) == 0 {
			continue
		}
		best := r.Alternatives[0]
		if strings.TrimSpace(best.Transcript) == "" {
			continue
		}
		parts = append(parts, strings.TrimSpace(best.Transcript))
		confidence += best.Confidence
	}
	if len(parts) == 0 {
		return nil, ErrNoSpeech
	}

	return &Transcription{
		Text:       strings.Join(parts, " "),
		Confidence: confidence / float64(len(parts)),
	}, nil
}

// encodingFor はContent-Typeに対応するエンコーディング名を返す。
// 判別できない場合は空文字を返し、API側の自動判定に任せる。
func encodingFor(contentType string) string {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch mediaType {
	case "audio/webm":
		return "WEBM_OPUS"
	case "audio/ogg":
		return "OGG_OPUS"
	case "audio/flac":
		return "FLAC"
	case "audio/mpeg", "audio/mp3":
		return "MP3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "LINEAR16"
	}
	return ""
}

// RESTSynthesizer はテキスト読み上げREST APIのクライアント。
type RESTSynthesizer struct {
	endpoint string
	apiKey   string
	voiceID  string
	client   *http.Client
}

// NewRESTSynthesizer はRESTSynthesizerを生成する。
func NewRESTSynthesizer(endpoint, apiKey, voiceID string, client *http.Client) (*RESTSynthesizer, error) {
	if endpoint == "" || apiKey == "" || voiceID == "" {
		return nil, ErrNotConfigured
	}
	return &RESTSynthesizer{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		voiceID:  voiceID,
		client:   client,
	}, nil
}

type synthesizeRequest struct {
	Text          string        `json:"text"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// Synthesize はテキストを音声データに変換する。
func (s *RESTSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	body, err := json.Marshal(synthesizeRequest{
		Text:          text,
		VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.75},
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode synthesize request: %w", err)
	}

	endpoint := s.endpoint + "/" + url.PathEscape(s.voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("failed to build synthesize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("synthesize request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, "", fmt.Errorf("synthesize request returned status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read synthesized audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, "", fmt.Errorf("synthesize request returned no audio")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return audio, contentType, nil
}

var (
	_ Transcriber = (*RESTTranscriber)(nil)
	_ Synthesizer = (*RESTSynthesizer)(nil)
)
