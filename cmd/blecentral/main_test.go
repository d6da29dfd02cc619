package main

import (
	"testing"

	"github.com/chaz8081/blecentral/internal/central"
	"github.com/chaz8081/blecentral/internal/config"
	"github.com/chaz8081/blecentral/internal/sink"
	"github.com/hypebeast/go-osc/osc"
)

func TestNotificationSink(t *testing.T) {
	cfg := config.Default()

	if _, ok := notificationSink(cfg, central.KeyPressProfile, nil).(sink.LogSink); !ok {
		t.Error("keypress profile should log raw values")
	}
	if _, ok := notificationSink(cfg, central.HeartRateProfile, nil).(*sink.HeartRateSink); !ok {
		t.Error("heart-rate profile should decode measurements")
	}

	cfg.OSC.ForwardNotifications = true
	multi, ok := notificationSink(cfg, central.KeyPressProfile, osc.NewClient("127.0.0.1", 9000)).(sink.Multi)
	if !ok || len(multi) != 2 {
		t.Fatalf("forwarding sink = %T, want two-element Multi", multi)
	}
	if _, ok := multi[1].(*sink.OSCSink); !ok {
		t.Errorf("multi[1] = %T, want *sink.OSCSink", multi[1])
	}
}

func TestOpenIndicators(t *testing.T) {
	cfg := config.Default()
	link, activity, err := openIndicators(cfg, nil)
	if err != nil {
		t.Fatalf("openIndicators() error = %v", err)
	}
	if link.On() || activity.On() {
		t.Error("indicators should start off")
	}
	if err := activity.Toggle(); err != nil {
		t.Fatalf("Toggle() error = %v", err)
	}
	if !activity.On() {
		t.Error("activity LED should be on after Toggle")
	}
}

func TestLoadConfigExplicitPath(t *testing.T) {
	if _, err := loadConfig("/nonexistent/blecentral.yaml"); err == nil {
		t.Error("loadConfig() should fail for a missing explicit path")
	}
}
