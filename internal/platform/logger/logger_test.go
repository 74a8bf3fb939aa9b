package logger

import "testing"

func TestSanitizeKVsRedactsSecretKeys(t *testing.T) {
	kv := []interface{}{
		"api_key", "sk-12345",
		"Authorization", "Bearer abc",
		"refresh_token", "tok",
		"job_id", "job-1",
	}
	out := sanitizeKVs(kv)
	if len(out) != len(kv) {
		t.Fatalf("length: want=%d got=%d", len(kv), len(out))
	}
	for i := 0; i < 6; i += 2 {
		if out[i+1] != "[REDACTED]" {
			t.Fatalf("key %v not redacted: %v", out[i], out[i+1])
		}
	}
	if out[7] != "job-1" {
		t.Fatalf("non-secret value must pass through: %v", out[7])
	}
}

func TestSanitizeKVsOddTrailingKey(t *testing.T) {
	out := sanitizeKVs([]interface{}{"password", "hunter2", "dangling"})
	if len(out) != 3 {
		t.Fatalf("length: got %d", len(out))
	}
	if out[1] != "[REDACTED]" {
		t.Fatalf("password not redacted")
	}
	if out[2] != "dangling" {
		t.Fatalf("trailing key preserved: %v", out[2])
	}
}

func TestNewModes(t *testing.T) {
	for _, mode := range []string{"development", "production", ""} {
		log, err := New(mode)
		if err != nil {
			t.Fatalf("mode %q: %v", mode, err)
		}
		if log.SugaredLogger == nil {
			t.Fatalf("mode %q: nil sugared logger", mode)
		}
	}
}
