package artifact

import (
	"os"
	"testing"

	taskflowerrors "github.com/taskflow/taskflow/internal/errors"
)

func TestWriteReadRoundTrip(t *testing.T) {
	w := NewWriter(t.TempDir())

	rec, err := w.Write("T1", "report.md", []byte("hello"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if rec.Bytes != 5 {
		t.Errorf("Bytes = %d, want 5", rec.Bytes)
	}

	data, err := w.Read("T1", "report.md")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Read = %q, want %q", data, "hello")
	}
}

func TestWriteIdempotentRerunSameDigest(t *testing.T) {
	w := NewWriter(t.TempDir())

	first, err := w.Write("T1", "out.txt", []byte("same"))
	if err != nil {
		t.Fatalf("first write: %v", err)
	}
	second, err := w.Write("T1", "out.txt", []byte("same"))
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if !first.WrittenAt.Equal(second.WrittenAt) {
		t.Error("re-running with identical content must not create a new artifact record")
	}
	if first.SHA256 != second.SHA256 {
		t.Error("digest must be stable across idempotent rewrites")
	}
}

func TestWriteRejectsPathTraversal(t *testing.T) {
	w := NewWriter(t.TempDir())

	cases := []string{"../escape.txt", "a/../../b.txt", "/etc/passwd"}
	for _, p := range cases {
		if _, err := w.Write("T1", p, []byte("x")); err == nil {
			t.Errorf("Write(%q) should have failed closed", p)
		} else if !taskflowerrors.IsType(err, taskflowerrors.ErrorTypeValidation) {
			t.Errorf("Write(%q) error type = %v, want validation", p, taskflowerrors.GetType(err))
		}
	}
}

func TestReadDetectsDigestMismatch(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	if _, err := w.Write("T1", "out.txt", []byte("original")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	full, err := w.resolvePath("T1", "out.txt")
	if err != nil {
		t.Fatalf("resolvePath: %v", err)
	}
	if err := os.WriteFile(full, []byte("tampered!"), 0o644); err != nil {
		t.Fatalf("tamper write: %v", err)
	}

	if _, err := w.Read("T1", "out.txt"); !taskflowerrors.IsType(err, taskflowerrors.ErrorTypeIntegrity) {
		t.Errorf("Read after tamper error type = %v, want integrity", taskflowerrors.GetType(err))
	}
}

func TestReadNotFound(t *testing.T) {
	w := NewWriter(t.TempDir())
	if _, err := w.Read("T1", "missing.txt"); !taskflowerrors.IsType(err, taskflowerrors.ErrorTypeNotFound) {
		t.Errorf("error type = %v, want not_found", taskflowerrors.GetType(err))
	}
}

func TestLeaseRejectsConcurrentWriterForSameTask(t *testing.T) {
	w := NewWriter(t.TempDir())

	release, err := w.Lease("T1")
	if err != nil {
		t.Fatalf("first lease: %v", err)
	}
	if _, err := w.Lease("T1"); err == nil {
		t.Error("second concurrent lease for the same task should be rejected")
	}
	release()
	if _, err := w.Lease("T1"); err != nil {
		t.Errorf("lease after release should succeed, got %v", err)
	}
}
