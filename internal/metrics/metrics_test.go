package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/Dezzy-dev/amara/internal/model"
)

// findMetric はレジストリから名前とラベルが一致するメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	if len(m.GetLabel()) != len(labels) {
		return false
	}
	for _, lp := range m.GetLabel() {
		if labels[lp.GetName()] != lp.GetValue() {
			return false
		}
	}
	return true
}

func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestNewCollector_DuplicateRegistrationPanics は同一レジストリへの二重登録がpanicすることを検証する。
func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewCollector(reg)
}

func TestObserveExchange(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveExchange("delivered", model.UsageMessage)
	c.ObserveExchange("delivered", model.UsageMessage)
	c.ObserveExchange("denied", model.UsageVoice)

	m := findMetric(t, reg, "amara_chat_exchanges_total", map[string]string{"result": "delivered", "kind": "message"})
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("delivered/message = %v, want 2", got)
	}
	m = findMetric(t, reg, "amara_chat_exchanges_total", map[string]string{"result": "denied", "kind": "voice"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("denied/voice = %v, want 1", got)
	}
}

func TestObserveQuotaDenied(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveQuotaDenied(model.UsageVoice)

	m := findMetric(t, reg, "amara_quota_denied_total", map[string]string{"kind": "voice"})
	if got := m.GetCounter().GetValue(); got != 1 {
		t.Errorf("quota_denied{voice} = %v, want 1", got)
	}
}

func TestObserveLLM(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveLLM(150*time.Millisecond, nil)
	c.ObserveLLM(2*time.Second, errors.New("timeout"))

	h := findMetric(t, reg, "amara_llm_latency_seconds", nil).GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample count = %d, want 2", h.GetSampleCount())
	}
	if got := findMetric(t, reg, "amara_llm_fail_total", nil).GetCounter().GetValue(); got != 1 {
		t.Errorf("llm_fail_total = %v, want 1", got)
	}
}

func TestObserveSynthesisAndTranscription(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveSynthesis(nil)
	c.ObserveSynthesis(errors.New("tts down"))
	c.ObserveTranscription(errors.New("no speech"))

	tests := []struct {
		name   string
		result string
		want   float64
	}{
		{"amara_tts_total", "success", 1},
		{"amara_tts_total", "failure", 1},
		{"amara_transcriptions_total", "failure", 1},
	}
	for _, tt := range tests {
		m := findMetric(t, reg, tt.name, map[string]string{"result": tt.result})
		if got := m.GetCounter().GetValue(); got != tt.want {
			t.Errorf("%s{%s} = %v, want %v", tt.name, tt.result, got, tt.want)
		}
	}
}

func TestRecordHTTPStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(429)
	c.RecordHTTPStatus(429)

	m := findMetric(t, reg, "amara_http_status_total", map[string]string{"status_code": "429"})
	if got := m.GetCounter().GetValue(); got != 2 {
		t.Errorf("http_status_total{429} = %v, want 2", got)
	}
}

func TestWorkerCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTrialsReverted(3)
	c.RecordDevicesAbandoned(0)
	c.RecordDevicesAbandoned(7)

	if got := findMetric(t, reg, "amara_trials_reverted_total", nil).GetCounter().GetValue(); got != 3 {
		t.Errorf("trials_reverted_total = %v, want 3", got)
	}
	if got := findMetric(t, reg, "amara_anonymous_devices_abandoned_total", nil).GetCounter().GetValue(); got != 7 {
		t.Errorf("anonymous_devices_abandoned_total = %v, want 7", got)
	}
}
