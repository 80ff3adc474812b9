package runstate

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingIsFreshStart(t *testing.T) {
	st, err := Load(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.LastArchive != "" {
		t.Errorf("fresh state = %+v", st)
	}
}

func TestLoadCorruptIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load should fail on a corrupt state file")
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	st := &State{}
	st.MarkProcessed("run-0042.7z")
	if err := Save(path, st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.LastArchive != "run-0042.7z" {
		t.Errorf("LastArchive = %q", loaded.LastArchive)
	}
	if loaded.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not persisted")
	}
}

func TestSelectNew(t *testing.T) {
	names := []string{"run-0003.7z", "run-0001.7z", "run-0002.7z"}

	fresh := &State{}
	if got := fresh.SelectNew(names); len(got) != 3 || got[0] != "run-0001.7z" {
		t.Errorf("fresh selection = %v", got)
	}

	st := &State{LastArchive: "run-0002.7z"}
	got := st.SelectNew(names)
	if len(got) != 1 || got[0] != "run-0003.7z" {
		t.Errorf("selection = %v, want only run-0003.7z", got)
	}
}

func TestMarkProcessedNeverMovesBackwards(t *testing.T) {
	st := &State{}
	st.MarkProcessed("run-0005.7z")
	st.MarkProcessed("run-0003.7z")
	if st.LastArchive != "run-0005.7z" {
		t.Errorf("LastArchive = %q, want run-0005.7z", st.LastArchive)
	}
}
