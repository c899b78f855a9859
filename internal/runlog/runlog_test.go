package runlog

import (
	"path/filepath"
	"testing"
)

func open(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRunLifecycle(t *testing.T) {
	l := open(t)
	run, err := l.StartRun("reze", "dataset.json", "0011223344556677", "cpu")
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if len(run.ID) != 36 {
		t.Errorf("run ID %q is not a UUID", run.ID)
	}

	for i, loss := range []float64{2.5, 1.75} {
		if err := run.RecordEpoch(i+1, loss, 1-0.25*float64(i), "ckpt.gob"); err != nil {
			t.Fatalf("RecordEpoch() error = %v", err)
		}
	}
	if err := run.Finish(StatusComplete, "final.gob"); err != nil {
		t.Fatal(err)
	}

	epochs, err := l.Epochs(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(epochs) != 2 || epochs[1].Epoch != 2 || epochs[1].Loss != 1.75 || epochs[1].TeacherForcing != 0.75 {
		t.Errorf("Epochs() = %+v", epochs)
	}
	status, final, err := l.RunStatus(run.ID)
	if err != nil || status != StatusComplete || final != "final.gob" {
		t.Errorf("RunStatus() = %q, %q, %v", status, final, err)
	}

	second, err := l.StartRun("other", "dataset.json", "", "cpu")
	if err != nil {
		t.Fatal(err)
	}
	runs, err := l.Runs(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != second.ID || runs[0].Status != StatusRunning {
		t.Fatalf("Runs() = %+v, want newest first", runs)
	}
	if runs[1].Model != "reze" || runs[1].FinalCheckpoint != "final.gob" || runs[1].Device != "cpu" {
		t.Errorf("Runs()[1] = %+v", runs[1])
	}
	if runs, _ := l.Runs(1); len(runs) != 1 {
		t.Errorf("Runs(1) returned %d rows", len(runs))
	}
}

func TestReplies(t *testing.T) {
	l := open(t)
	for _, msg := range []string{"안녕", "뭐 해?"} {
		if err := l.RecordReply(msg, "...", "template", 0.5); err != nil {
			t.Fatal(err)
		}
	}
	got, err := l.RecentReplies(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Message != "뭐 해?" {
		t.Errorf("RecentReplies() = %+v", got)
	}
}

func TestDisabled(t *testing.T) {
	l, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	if l.Enabled() {
		t.Error("empty path enabled logging")
	}
	run, err := l.StartRun("m", "d", "", "cpu")
	if err != nil || run.ID == "" {
		t.Fatalf("StartRun() = %+v, %v", run, err)
	}
	if err := run.RecordEpoch(1, 1, 1, ""); err != nil {
		t.Error(err)
	}
	if err := l.RecordReply("a", "b", "c", 0); err != nil {
		t.Error(err)
	}
	if runs, err := l.Runs(10); err != nil || len(runs) != 0 {
		t.Errorf("Runs() = %v, %v on a disabled log", runs, err)
	}
	if err := l.Close(); err != nil {
		t.Error(err)
	}
}
