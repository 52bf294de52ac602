package env

import (
	"reflect"
	"testing"
	"time"
)

func TestGetEnvInt(t *testing.T) {
	t.Setenv("ACTIONSTAT_TEST_INT", "42")
	if got := GetEnvInt("ACTIONSTAT_TEST_INT", 7); got != 42 {
		t.Fatalf("GetEnvInt valid value = %d, want 42", got)
	}

	t.Setenv("ACTIONSTAT_TEST_INT", "not-int")
	if got := GetEnvInt("ACTIONSTAT_TEST_INT", 7); got != 7 {
		t.Fatalf("GetEnvInt invalid value = %d, want 7", got)
	}

	t.Setenv("ACTIONSTAT_TEST_INT", "")
	if got := GetEnvInt("ACTIONSTAT_TEST_INT", 7); got != 7 {
		t.Fatalf("GetEnvInt empty value = %d, want 7", got)
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("ACTIONSTAT_TEST_BOOL", "true")
	if got := GetEnvBool("ACTIONSTAT_TEST_BOOL", false); got != true {
		t.Fatalf("GetEnvBool true = %v, want true", got)
	}

	t.Setenv("ACTIONSTAT_TEST_BOOL", "FALSE")
	if got := GetEnvBool("ACTIONSTAT_TEST_BOOL", true); got != false {
		t.Fatalf("GetEnvBool false = %v, want false", got)
	}

	t.Setenv("ACTIONSTAT_TEST_BOOL", "not-bool")
	if got := GetEnvBool("ACTIONSTAT_TEST_BOOL", true); got != true {
		t.Fatalf("GetEnvBool invalid = %v, want true", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("ACTIONSTAT_TEST_DURATION", "1h2m3s")
	if got := GetEnvDuration("ACTIONSTAT_TEST_DURATION", 5*time.Second); got != time.Hour+2*time.Minute+3*time.Second {
		t.Fatalf("GetEnvDuration valid = %v, want %v", got, time.Hour+2*time.Minute+3*time.Second)
	}

	t.Setenv("ACTIONSTAT_TEST_DURATION", "not-duration")
	if got := GetEnvDuration("ACTIONSTAT_TEST_DURATION", 5*time.Second); got != 5*time.Second {
		t.Fatalf("GetEnvDuration invalid = %v, want %v", got, 5*time.Second)
	}
}

func TestGetEnvString(t *testing.T) {
	t.Setenv("ACTIONSTAT_TEST_STRING", "hello")
	if got := GetEnvString("ACTIONSTAT_TEST_STRING", "default"); got != "hello" {
		t.Fatalf("GetEnvString valid = %q, want %q", got, "hello")
	}

	t.Setenv("ACTIONSTAT_TEST_STRING", "")
	if got := GetEnvString("ACTIONSTAT_TEST_STRING", "default"); got != "default" {
		t.Fatalf("GetEnvString empty = %q, want %q", got, "default")
	}
}

func TestGetEnvStringSlice(t *testing.T) {
	t.Setenv("ACTIONSTAT_TEST_STRING_SLICE", "a,b,c")
	want := []string{"a", "b", "c"}
	if got := GetEnvStringSlice("ACTIONSTAT_TEST_STRING_SLICE", []string{"x"}); !reflect.DeepEqual(got, want) {
		t.Fatalf("GetEnvStringSlice valid = %v, want %v", got, want)
	}

	t.Setenv("ACTIONSTAT_TEST_STRING_SLICE", "")
	def := []string{"x"}
	if got := GetEnvStringSlice("ACTIONSTAT_TEST_STRING_SLICE", def); !reflect.DeepEqual(got, def) {
		t.Fatalf("GetEnvStringSlice empty = %v, want %v", got, def)
	}
}
