package pidfile

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/pkg/errors"
)

func TestCreateAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camsink.pid")

	remove, err := Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != strconv.Itoa(os.Getpid()) {
		t.Errorf("Expected our pid, got %q", data)
	}

	remove()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected the pid file to be removed, got %v", err)
	}
}

func TestCreateRefusesLiveOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "camsink.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Create(path); !errors.Is(err, ErrRunning) {
		t.Errorf("Expected ErrRunning, got %v", err)
	}
	if pid, ok := Owner(path); !ok || pid != os.Getpid() {
		t.Errorf("Expected owner %d, got %d %v", os.Getpid(), pid, ok)
	}
}

func TestCreateReplacesStaleFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"garbage", "not a pid"},
		{"negative", "-4"},
		// Above the kernel's pid_max limit, so no such process exists.
		{"dead", "2147483647"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "camsink.pid")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			remove, err := Create(path)
			if err != nil {
				t.Fatalf("Expected a stale file to be replaced, got %v", err)
			}
			defer remove()
			if pid, ok := Owner(path); !ok || pid != os.Getpid() {
				t.Errorf("Expected owner %d, got %d %v", os.Getpid(), pid, ok)
			}
		})
	}
}
