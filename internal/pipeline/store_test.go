package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/lucasnoah/featurefactory/internal/events"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return NewStore(t.TempDir(), opts...)
}

func threeReqs() []Requirement {
	return []Requirement{
		{ID: "R1", Title: "Render form", Priority: "high", AcceptanceCriteria: []string{"form visible"}},
		{ID: "R2", Title: "Validate input", Priority: "medium", EpicID: "E1"},
		{ID: "R3", Title: "Submit", Priority: "low", EpicID: "E1"},
	}
}

// mustCreate creates a pipeline and moves it to executing with three requirements.
func mustCreate(t *testing.T, s *Store) *Pipeline {
	t.Helper()
	p := s.Create("Add a login form", "/tmp/app")
	if p == nil {
		t.Fatal("Create returned nil")
	}
	if err := s.SetRequirements(p.ID, threeReqs(), []Epic{{ID: "E1", Title: "Validation"}}); err != nil {
		t.Fatalf("SetRequirements: %v", err)
	}
	return p
}

func TestCreateAndList(t *testing.T) {
	s := newTestStore(t)

	p := s.Create("Add a login form", "/tmp/app")
	if p == nil {
		t.Fatal("Create returned nil")
	}
	if p.ID == "" {
		t.Error("ID should be set")
	}
	if p.Status != StatusQA {
		t.Errorf("Status = %q, want qa", p.Status)
	}
	if p.Phase.Current != PhaseQA {
		t.Errorf("Phase.Current = %q, want qa", p.Phase.Current)
	}
	if p.Phase.TotalRequirements != 0 {
		t.Errorf("TotalRequirements = %d, want 0", p.Phase.TotalRequirements)
	}
	if s.ActiveID() != p.ID {
		t.Errorf("ActiveID = %q, want %q", s.ActiveID(), p.ID)
	}

	if err := s.SetRequirements(p.ID, threeReqs(), nil); err != nil {
		t.Fatalf("SetRequirements: %v", err)
	}
	got, _ := s.Get(p.ID)
	if got.Phase.TotalRequirements != 3 {
		t.Errorf("TotalRequirements = %d, want 3", got.Phase.TotalRequirements)
	}

	list := s.List()
	if len(list) != 1 {
		t.Fatalf("List returned %d pipelines, want 1", len(list))
	}
	if list[0].RequirementsCount != 3 {
		t.Errorf("RequirementsCount = %d, want 3", list[0].RequirementsCount)
	}
	if !list[0].IsActive {
		t.Error("summary should be active")
	}
}

func TestCreateRejectedWhileActive(t *testing.T) {
	s := newTestStore(t)
	first := s.Create("first", "")
	if first == nil {
		t.Fatal("first Create returned nil")
	}
	before, _ := s.Get(first.ID)

	if second := s.Create("second", ""); second != nil {
		t.Fatalf("second Create = %+v, want nil", second)
	}
	if n := len(s.List()); n != 1 {
		t.Errorf("List has %d pipelines, want 1", n)
	}
	after, _ := s.Get(first.ID)
	if len(after.Events) != len(before.Events) {
		t.Errorf("rejected create appended events: %d -> %d", len(before.Events), len(after.Events))
	}
	if s.ActiveID() != first.ID {
		t.Errorf("ActiveID = %q, want %q", s.ActiveID(), first.ID)
	}
}

func TestActiveSlotFollowsTerminalStatus(t *testing.T) {
	s := newTestStore(t)
	p := mustCreate(t, s)

	if err := s.Finish(p.ID, StatusCompleted, ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if s.ActiveID() != "" {
		t.Errorf("ActiveID = %q after completion, want empty", s.ActiveID())
	}
	if next := s.Create("next", ""); next == nil {
		t.Fatal("Create after completion returned nil")
	}
}

func TestFinishPartial(t *testing.T) {
	s := newTestStore(t)
	p := mustCreate(t, s)

	if _, err := s.TransitionRequirement(p.ID, "R1", RequirementFailed, "broken"); err != nil {
		t.Fatalf("fail R1: %v", err)
	}
	if err := s.Finish(p.ID, StatusCompleted, ""); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	got, _ := s.Get(p.ID)
	if !got.Partial {
		t.Error("Partial should be set when a requirement failed")
	}
	last := got.Events[len(got.Events)-1]
	data, err := events.Decode[events.PipelineCompletedData](last)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !data.Partial || data.Failed != 1 || data.Pending != 2 {
		t.Errorf("pipeline_completed = %+v", data)
	}
}

func TestRequestAbortIsSynchronous(t *testing.T) {
	s := newTestStore(t)
	p := mustCreate(t, s)

	if !s.RequestAbort(p.ID) {
		t.Fatal("RequestAbort returned false")
	}
	got, _ := s.Get(p.ID)
	if got.Status != StatusAborted {
		t.Errorf("Status = %q, want aborted", got.Status)
	}
	if !got.AbortRequested {
		t.Error("AbortRequested should be set")
	}
	if s.ActiveID() != "" {
		t.Errorf("ActiveID = %q, want empty", s.ActiveID())
	}
	if !s.RequestAbort(p.ID) {
		t.Error("second RequestAbort should be idempotent")
	}
	if err := s.UpdateStatus(p.ID, StatusCompleted); !errors.Is(err, ErrTerminal) {
		t.Errorf("UpdateStatus after abort err = %v, want ErrTerminal", err)
	}
	if s.RequestAbort("missing") {
		t.Error("RequestAbort on unknown id should be false")
	}
}

func TestPauseAndResume(t *testing.T) {
	s := newTestStore(t)
	p := mustCreate(t, s)
	if err := s.SetPhase(p.ID, PhaseExecuting); err != nil {
		t.Fatalf("SetPhase: %v", err)
	}

	if s.Resume(p.ID) {
		t.Error("Resume on a non-paused pipeline should be false")
	}
	before, _ := s.Get(p.ID)

	if !s.RequestPause(p.ID) {
		t.Fatal("RequestPause returned false")
	}
	got, _ := s.Get(p.ID)
	if got.Status != StatusExecuting {
		t.Errorf("Status = %q after RequestPause, want executing", got.Status)
	}
	if !got.PauseRequested {
		t.Error("PauseRequested should be set")
	}
	if len(got.Events) != len(before.Events)+1 {
		t.Errorf("events = %d, want %d", len(got.Events), len(before.Events)+1)
	}

	if err := s.MarkPaused(p.ID, "operator"); err != nil {
		t.Fatalf("MarkPaused: %v", err)
	}
	got, _ = s.Get(p.ID)
	if got.Status != StatusPaused {
		t.Errorf("Status = %q, want paused", got.Status)
	}
	if s.ActiveID() != p.ID {
		t.Error("paused pipeline should keep the active slot")
	}

	if !s.Resume(p.ID) {
		t.Fatal("Resume returned false")
	}
	got, _ = s.Get(p.ID)
	if got.Status != StatusExecuting {
		t.Errorf("Status = %q after Resume, want executing", got.Status)
	}
	if got.PauseRequested {
		t.Error("PauseRequested should be cleared")
	}
}

func TestResumeNonPausedMutatesNothing(t *testing.T) {
	s := newTestStore(t)
	p := mustCreate(t, s)
	before, _ := s.Get(p.ID)

	if s.Resume(p.ID) {
		t.Fatal("Resume returned true")
	}
	after, _ := s.Get(p.ID)
	if len(after.Events) != len(before.Events) || after.Status != before.Status || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("Resume on non-paused pipeline mutated state")
	}
}

func TestAppendEventUnknownID(t *testing.T) {
	s := newTestStore(t)
	s.AppendEvent("does-not-exist", events.New(events.ProgressData{Message: "late"}))

	p := s.Create("x", "")
	s.ClearAll()
	s.AppendEvent(p.ID, events.New(events.ProgressData{Message: "after clear"}))
	if _, ok := s.Get(p.ID); ok {
		t.Error("cleared pipeline came back")
	}
}

func TestSetRequirementsLocked(t *testing.T) {
	s := newTestStore(t)
	p := mustCreate(t, s)

	err := s.SetRequirements(p.ID, threeReqs()[:1], nil)
	if !errors.Is(err, ErrRequirementsLocked) {
		t.Errorf("err = %v, want ErrRequirementsLocked", err)
	}
	got, _ := s.Get(p.ID)
	if got.Phase.TotalRequirements != 3 {
		t.Errorf("TotalRequirements = %d, want 3", got.Phase.TotalRequirements)
	}
}

func TestSetRequirementsDerivesEpics(t *testing.T) {
	s := newTestStore(t)
	p := mustCreate(t, s)
	got, _ := s.Get(p.ID)

	if len(got.Epics) != 1 {
		t.Fatalf("epics = %d, want 1", len(got.Epics))
	}
	if ids := got.Epics[0].RequirementIDs; len(ids) != 2 || ids[0] != "R2" || ids[1] != "R3" {
		t.Errorf("RequirementIDs = %v, want [R2 R3]", ids)
	}
	if got.Epics[0].Progress.Total != 2 {
		t.Errorf("Progress.Total = %d, want 2", got.Epics[0].Progress.Total)
	}
}

func TestTransitionRequirement(t *testing.T) {
	tests := []struct {
		name    string
		steps   []RequirementStatus
		wantErr bool
	}{
		{"start then complete", []RequirementStatus{RequirementInProgress, RequirementCompleted}, false},
		{"start then fail", []RequirementStatus{RequirementInProgress, RequirementFailed}, false},
		{"fail before start", []RequirementStatus{RequirementFailed}, false},
		{"restart in progress", []RequirementStatus{RequirementInProgress, RequirementInProgress}, false},
		{"complete without start", []RequirementStatus{RequirementCompleted}, true},
		{"restart completed", []RequirementStatus{RequirementInProgress, RequirementCompleted, RequirementInProgress}, true},
		{"back to pending", []RequirementStatus{RequirementInProgress, RequirementPending}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			p := mustCreate(t, s)
			var err error
			for _, st := range tt.steps {
				if _, err = s.TransitionRequirement(p.ID, "R1", st, "note"); err != nil {
					break
				}
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("err = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestTransitionRequirementUpdatesEpic(t *testing.T) {
	s := newTestStore(t)
	p := mustCreate(t, s)

	if _, err := s.TransitionRequirement(p.ID, "R2", RequirementInProgress, ""); err != nil {
		t.Fatal(err)
	}
	r, err := s.TransitionRequirement(p.ID, "R2", RequirementCompleted, "done")
	if err != nil {
		t.Fatal(err)
	}
	if r.StartedAt == nil || r.FinishedAt == nil {
		t.Error("timestamps should be set")
	}
	got, _ := s.Get(p.ID)
	prog := got.Epics[0].Progress
	if prog.Completed != 1 || prog.Total != 2 {
		t.Errorf("Progress = %+v", prog)
	}

	if _, err := s.TransitionRequirement(p.ID, "nope", RequirementInProgress, ""); !errors.Is(err, ErrUnknownRequirement) {
		t.Errorf("err = %v, want ErrUnknownRequirement", err)
	}
}

func TestUpdatePhaseMonotonicIndex(t *testing.T) {
	s := newTestStore(t)
	p := mustCreate(t, s)

	if err := s.UpdatePhase(p.ID, func(ps *PhaseState) { ps.RequirementIndex = 2; ps.TotalRequirements = 9 }); err != nil {
		t.Fatalf("UpdatePhase: %v", err)
	}
	got, _ := s.Get(p.ID)
	if got.Phase.RequirementIndex != 2 {
		t.Errorf("RequirementIndex = %d, want 2", got.Phase.RequirementIndex)
	}
	if got.Phase.TotalRequirements != 3 {
		t.Errorf("TotalRequirements = %d, want 3 (fixed)", got.Phase.TotalRequirements)
	}
	err := s.UpdatePhase(p.ID, func(ps *PhaseState) { ps.RequirementIndex = 1 })
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	p := mustCreate(t, s)

	got, _ := s.Get(p.ID)
	got.Requirements[0].Status = RequirementCompleted
	got.Requirements[0].AcceptanceCriteria[0] = "mutated"

	again, _ := s.Get(p.ID)
	if again.Requirements[0].Status != RequirementPending {
		t.Error("mutating a copy changed the store")
	}
	if again.Requirements[0].AcceptanceCriteria[0] != "form visible" {
		t.Error("mutating a copy's criteria changed the store")
	}
}

func TestLoadRestoresState(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	p := mustCreate(t, s)
	if err := s.SetPhase(p.ID, PhaseExploring); err != nil {
		t.Fatal(err)
	}

	restored := NewStore(dir)
	if err := restored.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := restored.Get(p.ID)
	if !ok {
		t.Fatal("pipeline missing after Load")
	}
	if got.Status != StatusExploring || got.Phase.TotalRequirements != 3 {
		t.Errorf("restored = status %q total %d", got.Status, got.Phase.TotalRequirements)
	}
	if restored.ActiveID() != p.ID {
		t.Errorf("ActiveID = %q, want %q", restored.ActiveID(), p.ID)
	}
	if restored.Create("another", "") != nil {
		t.Error("Create should be rejected after restoring an active pipeline")
	}
}

func TestLoadMissingFile(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.List()) != 0 {
		t.Error("expected empty store")
	}
}

type failingPersister struct{ saves int }

func (f *failingPersister) Save(*Snapshot) error {
	f.saves++
	return fmt.Errorf("disk full")
}
func (f *failingPersister) Load() (*Snapshot, error) { return &Snapshot{}, nil }

func TestPersistFailureIsSwallowed(t *testing.T) {
	fp := &failingPersister{}
	s := newTestStore(t, WithPersister(fp))

	p := s.Create("x", "")
	if p == nil {
		t.Fatal("Create returned nil")
	}
	if err := s.SetPhase(p.ID, PhaseExploring); err != nil {
		t.Fatalf("SetPhase: %v", err)
	}
	got, _ := s.Get(p.ID)
	if got.Status != StatusExploring {
		t.Errorf("Status = %q, want exploring", got.Status)
	}
	if fp.saves < 2 {
		t.Errorf("saves = %d, want a save per mutation", fp.saves)
	}
}

func TestSaveArtifact(t *testing.T) {
	s := newTestStore(t)
	p := mustCreate(t, s)

	ref, err := s.SaveArtifact(p.ID, ArtifactRef{Type: "screenshot", RequirementID: "R1"}, "png", []byte("PNG"))
	if err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}
	if filepath.Dir(ref.Path) != s.ArtifactsDir(p.ID) {
		t.Errorf("Path = %q, want under %q", ref.Path, s.ArtifactsDir(p.ID))
	}
	data, err := os.ReadFile(ref.Path)
	if err != nil || string(data) != "PNG" {
		t.Errorf("artifact file = %q, %v", data, err)
	}
	got, _ := s.Get(p.ID)
	if len(got.Artifacts) != 1 || got.Artifacts[0].ID != ref.ID {
		t.Errorf("Artifacts = %+v", got.Artifacts)
	}
	if last := got.Events[len(got.Events)-1]; last.Type != events.ArtifactCreated {
		t.Errorf("last event = %q, want artifact_created", last.Type)
	}
}

func TestClearAll(t *testing.T) {
	s := newTestStore(t)
	p := mustCreate(t, s)
	if err := pipelineFile(s, p.ID); err != nil {
		t.Fatal(err)
	}

	if n := s.ClearAll(); n != 1 {
		t.Errorf("ClearAll = %d, want 1", n)
	}
	if s.ActiveID() != "" {
		t.Error("slot should be free")
	}
	if _, err := os.Stat(s.PipelineDir(p.ID)); !os.IsNotExist(err) {
		t.Errorf("pipeline dir still present: %v", err)
	}
}

func pipelineFile(s *Store, id string) error {
	return WriteJSON(s.RequirementsPath(id), map[string]string{"id": id})
}

func TestConcurrentTransitions(t *testing.T) {
	s := newTestStore(t)
	p := mustCreate(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.AppendEvent(p.ID, events.New(events.ProgressData{Message: fmt.Sprintf("tick %d", i)}))
			_, _ = s.TransitionRequirement(p.ID, "R1", RequirementInProgress, "")
		}(i)
	}
	wg.Wait()

	got, _ := s.Get(p.ID)
	if got.Requirements[0].Status != RequirementInProgress {
		t.Errorf("R1 status = %q", got.Requirements[0].Status)
	}

	restored := NewStore(s.BaseDir())
	if err := restored.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	back, _ := restored.Get(p.ID)
	if len(back.Events) != len(got.Events) {
		t.Errorf("persisted events = %d, want %d", len(back.Events), len(got.Events))
	}
}

func TestControlFlags(t *testing.T) {
	s := newTestStore(t)
	p := mustCreate(t, s)

	c, ok := s.Control(p.ID)
	if !ok || c.Status != StatusQA || c.PauseRequested || c.Aborted() {
		t.Fatalf("Control = %+v, %v", c, ok)
	}
	s.RequestPause(p.ID)
	if c, _ := s.Control(p.ID); !c.PauseRequested {
		t.Error("PauseRequested not visible through Control")
	}
	s.RequestAbort(p.ID)
	if c, _ := s.Control(p.ID); !c.Aborted() {
		t.Error("Aborted() should be true after RequestAbort")
	}
	if _, ok := s.Control("missing"); ok {
		t.Error("Control on unknown id should report false")
	}
}
