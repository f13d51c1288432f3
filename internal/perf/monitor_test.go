package perf

import (
	"testing"
	"time"
)

func TestCommandCounters(t *testing.T) {
	m := NewMonitor()
	m.RecordCommand("click", "x.test", 100*time.Millisecond, true)
	m.RecordCommand("click", "x.test", 300*time.Millisecond, false)

	report := m.BuildReport(10)
	if len(report.SlowCommands) != 1 {
		t.Fatalf("commands = %d", len(report.SlowCommands))
	}
	c := report.SlowCommands[0]
	if c.Total != 2 || c.FailureRate != 0.5 || c.AvgMs != 200 {
		t.Errorf("summary = %+v", c)
	}
}

func TestRollingWindowBounded(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < commandWindow+200; i++ {
		m.RecordCommand("goto", "x.test", time.Duration(i)*time.Millisecond, true)
	}
	m.mu.Lock()
	n := len(m.commands["goto|x.test"].window)
	m.mu.Unlock()
	if n != commandWindow {
		t.Errorf("window = %d, want %d", n, commandWindow)
	}
}

func TestSelectorStability(t *testing.T) {
	m := NewMonitor()
	for i := 0; i < 10; i++ {
		m.RecordSelector("#stable", "css", "x.test", true)
	}
	if got := m.SelectorStability("#stable", "x.test"); got != 1.0 {
		t.Errorf("stability = %.2f, want 1.0", got)
	}

	// A single success is down-weighted by low usage.
	m.RecordSelector("#fresh", "css", "x.test", true)
	if got := m.SelectorStability("#fresh", "x.test"); got != 0.1 {
		t.Errorf("fresh stability = %.2f, want 0.1", got)
	}
}

func TestOptimalWaitIsP95(t *testing.T) {
	m := NewMonitor()
	for i := 1; i <= 100; i++ {
		m.RecordWait("navigation", "x.test", "login", time.Duration(i*10)*time.Millisecond)
	}
	got := m.OptimalWait("navigation", "x.test", "login")
	if got < 900 || got > 1000 {
		t.Errorf("optimal wait = %d, want ~p95 of 10..1000ms", got)
	}
	if m.OptimalWait("navigation", "other.test", "login") != 0 {
		t.Error("unknown key should report 0")
	}
}

func TestBottleneckClassification(t *testing.T) {
	m := NewMonitor()

	// Slow: p95 over 10s is high severity.
	for i := 0; i < 20; i++ {
		m.RecordCommand("goto", "slow.test", 12*time.Second, true)
	}
	// Failing: 6 of 12 commands fail.
	for i := 0; i < 12; i++ {
		m.RecordCommand("click", "flaky.test", 50*time.Millisecond, i%2 == 0)
	}

	found := map[string]Bottleneck{}
	for _, b := range m.Bottlenecks() {
		found[b.Kind+"|"+b.Site] = b
	}

	slow, ok := found["slow_command|slow.test"]
	if !ok || slow.Severity != "high" {
		t.Errorf("slow_command finding = %+v ok=%v", slow, ok)
	}
	flaky, ok := found["high_failure_rate|flaky.test"]
	if !ok || flaky.Severity != "medium" {
		t.Errorf("high_failure_rate finding = %+v ok=%v", flaky, ok)
	}
}

func TestPrometheusRegistryGathers(t *testing.T) {
	m := NewMonitor()
	m.RecordCommand("click", "x.test", 100*time.Millisecond, true)
	m.RecordHealing(true)
	m.RecordHealing(false)

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"webpilot_commands_total",
		"webpilot_command_duration_seconds",
		"webpilot_selector_healing_attempts_total",
		"webpilot_selector_healing_successes_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}
