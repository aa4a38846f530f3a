package watcher

import (
	"os"
	"path/filepath"
	"testing"
)

func TestClassify(t *testing.T) {
	fpA := Fingerprint{Dev: 1, Ino: 100}
	fpB := Fingerprint{Dev: 1, Ino: 200}

	tests := []struct {
		name    string
		prev    Observation
		cur     Observation
		want    Event
		wantNop bool
	}{
		{
			name:    "still missing",
			prev:    Observation{},
			cur:     Observation{},
			wantNop: true,
		},
		{
			name: "file disappeared",
			prev: Observation{Present: true, Identity: fpA, Size: 10},
			cur:  Observation{},
			want: Event{Op: OpRemoved},
		},
		{
			name: "file appeared",
			prev: Observation{},
			cur:  Observation{Present: true, Identity: fpA, Size: 5},
			want: Event{Op: OpReplaced, Identity: fpA, Size: 5},
		},
		{
			name: "reappeared with same identity is still replaced",
			prev: Observation{},
			cur:  Observation{Present: true, Identity: fpA, Size: 10},
			want: Event{Op: OpReplaced, Identity: fpA, Size: 10},
		},
		{
			name: "grown file is an append",
			prev: Observation{Present: true, Identity: fpA, Size: 10},
			cur:  Observation{Present: true, Identity: fpA, Size: 25},
			want: Event{Op: OpAppended, Size: 25},
		},
		{
			name: "shrunk file is a truncation",
			prev: Observation{Present: true, Identity: fpA, Size: 10},
			cur:  Observation{Present: true, Identity: fpA, Size: 3},
			want: Event{Op: OpTruncated, Size: 3},
		},
		{
			name: "identity change is a rotation even when larger",
			prev: Observation{Present: true, Identity: fpA, Size: 10},
			cur:  Observation{Present: true, Identity: fpB, Size: 30},
			want: Event{Op: OpReplaced, Identity: fpB, Size: 30},
		},
		{
			name:    "same identity and size is quiet",
			prev:    Observation{Present: true, Identity: fpA, Size: 10},
			cur:     Observation{Present: true, Identity: fpA, Size: 10},
			wantNop: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := classify(tt.prev, tt.cur)
			if tt.wantNop {
				if ok {
					t.Fatalf("classify() = %+v, want no event", got)
				}
				return
			}
			if !ok {
				t.Fatalf("classify() produced no event, want %+v", tt.want)
			}
			if got != tt.want {
				t.Errorf("classify() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// A burst of appends collapses to one event carrying the latest length: the
// classifier only ever sees the two endpoint observations.
func TestClassifyCoalescedAppends(t *testing.T) {
	fp := Fingerprint{Dev: 1, Ino: 100}
	prev := Observation{Present: true, Identity: fp, Size: 0}
	cur := Observation{Present: true, Identity: fp, Size: 4096}

	ev, ok := classify(prev, cur)
	if !ok || ev.Op != OpAppended || ev.Size != 4096 {
		t.Errorf("classify() = (%+v, %v), want single append with size 4096", ev, ok)
	}
}

func TestObserve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	obs, err := Observe(path)
	if err != nil {
		t.Fatalf("Observe(missing) failed: %v", err)
	}
	if obs.Present {
		t.Error("Observe(missing).Present = true, want false")
	}

	if err := os.WriteFile(path, []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	obs, err = Observe(path)
	if err != nil {
		t.Fatalf("Observe failed: %v", err)
	}
	if !obs.Present || obs.Size != 6 || obs.Identity.IsZero() {
		t.Errorf("Observe() = %+v, want present file of 6 bytes with identity", obs)
	}
}

func TestFingerprintDistinguishesFiles(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.log")
	pathB := filepath.Join(dir, "b.log")

	for _, p := range []string{pathA, pathB} {
		if err := os.WriteFile(p, []byte("same content\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	obsA, err := Observe(pathA)
	if err != nil {
		t.Fatal(err)
	}
	obsB, err := Observe(pathB)
	if err != nil {
		t.Fatal(err)
	}

	if obsA.Identity == obsB.Identity {
		t.Errorf("distinct files share fingerprint %s", obsA.Identity)
	}

	// Identity survives appends to the same file.
	if err := os.WriteFile(pathA, []byte("same content\nmore\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	again, err := Observe(pathA)
	if err != nil {
		t.Fatal(err)
	}
	if again.Identity != obsA.Identity {
		t.Errorf("fingerprint changed on rewrite of same file: %s -> %s", obsA.Identity, again.Identity)
	}
}
