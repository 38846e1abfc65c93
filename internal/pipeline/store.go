package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/featurefactory/internal/events"
)

var (
	ErrNotFound           = errors.New("pipeline not found")
	ErrTerminal           = errors.New("pipeline is in a terminal status")
	ErrInvalidTransition  = errors.New("invalid requirement transition")
	ErrRequirementsLocked = errors.New("requirements already set")
	ErrUnknownRequirement = errors.New("unknown requirement")

	// ErrAborted is the cancellation cause of an aborted run.
	ErrAborted = errors.New("pipeline aborted")
)

// errNoChange makes commit skip persistence and delivery.
var errNoChange = errors.New("no change")

// EventSink observes every appended event after it is logged.
type EventSink interface {
	Record(pipelineID string, ev events.Event)
}

// Sinks fans one event out to several sinks in order.
type Sinks []EventSink

// Record implements EventSink.
func (s Sinks) Record(pipelineID string, ev events.Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Record(pipelineID, ev)
		}
	}
}

// Store is the canonical in-memory table of pipelines, written through to a
// snapshot on every mutation. All methods are safe for concurrent use and
// return deep copies.
type Store struct {
	baseDir   string
	persister Persister
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
	sink      EventSink

	mu        sync.Mutex
	pipelines map[string]*Pipeline
	slot      Slot

	topicsMu sync.Mutex
	topics   map[string]*topic
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for swallowed persistence errors and
// subscriber panics.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDs overrides the pipeline id generator.
func WithIDs(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// WithPersister replaces the default state.json persister.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithEventSink registers an observer for appended events.
func WithEventSink(sink EventSink) Option {
	return func(s *Store) { s.sink = sink }
}

// NewStore creates a Store rooted at baseDir. Call Load to restore state.
func NewStore(baseDir string, opts ...Option) *Store {
	s := &Store{
		baseDir:   baseDir,
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		pipelines: make(map[string]*Pipeline),
		topics:    make(map[string]*topic),
	}
	for _, o := range opts {
		o(s)
	}
	if s.persister == nil {
		s.persister = NewFilePersister(filepath.Join(baseDir, "state.json"))
	}
	return s
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// PipelineDir returns the per-pipeline directory.
func (s *Store) PipelineDir(id string) string {
	return filepath.Join(s.baseDir, "pipelines", id)
}

// RequirementsPath returns the requirements side snapshot for id.
func (s *Store) RequirementsPath(id string) string {
	return filepath.Join(s.PipelineDir(id), "requirements.json")
}

// ArtifactsDir returns the directory holding id's artifact files.
func (s *Store) ArtifactsDir(id string) string {
	return filepath.Join(s.PipelineDir(id), "artifacts")
}

// Load restores the snapshot from the persister. The admission slot is
// restored from the persisted active id. A non-terminal pipeline that does
// not own the slot cannot continue and is marked failed.
func (s *Store) Load() error {
	snap, err := s.persister.Load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pipelines = make(map[string]*Pipeline, len(snap.Pipelines))
	for _, p := range snap.Pipelines {
		if p == nil || p.ID == "" {
			continue
		}
		s.pipelines[p.ID] = p
	}

	active := ""
	if p, ok := s.pipelines[snap.ActivePipelineID]; ok && !p.Status.Terminal() {
		active = p.ID
	} else {
		var latest *Pipeline
		for _, p := range s.pipelines {
			if !p.Status.Terminal() && (latest == nil || p.CreatedAt.After(latest.CreatedAt)) {
				latest = p
			}
		}
		if latest != nil {
			active = latest.ID
		}
	}
	s.slot.Reset(active)

	changed := false
	for _, p := range s.pipelines {
		if p.ID != active && !p.Status.Terminal() {
			p.Status = StatusFailed
			p.Error = "interrupted: another pipeline held the active slot"
			t := s.now()
			p.CompletedAt = &t
			p.Events = append(p.Events, events.At(t, events.PipelineFailedData{Reason: p.Error}))
			changed = true
		}
	}
	if changed || active != snap.ActivePipelineID {
		s.persistLocked()
	}
	return nil
}

// persistLocked writes the full snapshot. Failures are logged and swallowed:
// in-memory state stays authoritative. The caller must hold s.mu.
func (s *Store) persistLocked() {
	snap := &Snapshot{
		Version:          snapshotVersion,
		SavedAt:          s.now(),
		ActivePipelineID: s.slot.Holder(),
		Pipelines:        make([]*Pipeline, 0, len(s.pipelines)),
	}
	for _, p := range s.pipelines {
		snap.Pipelines = append(snap.Pipelines, p)
	}
	sort.Slice(snap.Pipelines, func(i, j int) bool {
		return snap.Pipelines[i].CreatedAt.Before(snap.Pipelines[j].CreatedAt)
	})
	if err := s.persister.Save(snap); err != nil {
		s.logger.Error("persist snapshot", zap.Error(err))
	}
}

// Create admits a new pipeline in qa. It returns nil, without mutating
// anything, when another pipeline holds the admission slot.
func (s *Store) Create(prompt, targetPath string) *Pipeline {
	id := s.newID()
	if !s.slot.TryAcquire(id) {
		return nil
	}

	now := s.now()
	p := &Pipeline{
		ID:           id,
		CreatedAt:    now,
		UpdatedAt:    now,
		Prompt:       prompt,
		Status:       StatusQA,
		Phase:        PhaseState{Current: PhaseQA},
		Requirements: []Requirement{},
		Epics:        []Epic{},
		Artifacts:    []ArtifactRef{},
		Events:       []events.Event{},
		Conversation: []Message{{Role: "user", Content: prompt, Timestamp: now}},
		TargetPath:   targetPath,
		StorageID:    id,
	}

	s.mu.Lock()
	s.pipelines[id] = p
	s.mu.Unlock()

	s.AppendEvent(id, events.At(now, events.PipelineCreatedData{Prompt: prompt, TargetPath: targetPath}))

	out, _ := s.Get(id)
	return out
}

// Get returns a copy of the pipeline.
func (s *Store) Get(id string) (*Pipeline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// List returns a summary of every pipeline, newest first.
func (s *Store) List() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.slot.Holder()
	out := make([]Summary, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		completed, failed, _ := p.Counts()
		out = append(out, Summary{
			ID:                p.ID,
			Prompt:            p.Prompt,
			Status:            p.Status,
			Phase:             p.Phase.Current,
			CreatedAt:         p.CreatedAt,
			UpdatedAt:         p.UpdatedAt,
			RequirementsCount: len(p.Requirements),
			CompletedCount:    completed,
			FailedCount:       failed,
			EventCount:        len(p.Events),
			IsActive:          p.ID == active,
			Partial:           p.Partial,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ActiveID returns the id holding the admission slot, or "".
func (s *Store) ActiveID() string {
	return s.slot.Holder()
}

// Control is the operator-facing state the run loop polls.
type Control struct {
	Status         Status
	Phase          Phase
	PauseRequested bool
	AbortRequested bool
}

// Aborted reports whether the run must stop for good.
func (c Control) Aborted() bool {
	return c.AbortRequested || c.Status == StatusAborted
}

// Control returns the pipeline's control flags without copying its logs.
func (s *Store) Control(id string) (Control, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return Control{}, false
	}
	return Control{
		Status:         p.Status,
		Phase:          p.Phase.Current,
		PauseRequested: p.PauseRequested,
		AbortRequested: p.AbortRequested,
	}, true
}

// SetPhase moves the pipeline into phase and sets the matching status.
func (s *Store) SetPhase(id string, phase Phase) error {
	if !phase.Valid() {
		return fmt.Errorf("set phase: unknown phase %q", phase)
	}
	return s.commit(id, func(p *Pipeline) ([]events.Event, error) {
		if p.Status.Terminal() {
			return nil, ErrTerminal
		}
		from := p.Phase.Current
		if from == phase && p.Status == phase.Status() {
			return nil, errNoChange
		}
		p.Phase.Current = phase
		p.Status = phase.Status()
		return []events.Event{events.New(events.PhaseChangedData{From: string(from), To: string(phase)})}, nil
	})
}

// UpdatePhase applies fn to the pipeline's phase state. TotalRequirements is
// fixed once requirements are set and RequirementIndex never decreases.
func (s *Store) UpdatePhase(id string, fn func(*PhaseState)) error {
	return s.commit(id, func(p *Pipeline) ([]events.Event, error) {
		if p.Status.Terminal() {
			return nil, ErrTerminal
		}
		next := p.Phase
		fn(&next)
		if next.RequirementIndex < p.Phase.RequirementIndex {
			return nil, fmt.Errorf("requirement index %d -> %d: %w",
				p.Phase.RequirementIndex, next.RequirementIndex, ErrInvalidTransition)
		}
		if !next.Current.Valid() {
			return nil, fmt.Errorf("update phase: unknown phase %q", next.Current)
		}
		next.TotalRequirements = p.Phase.TotalRequirements
		if next == p.Phase {
			return nil, errNoChange
		}
		p.Phase = next
		return nil, nil
	})
}

// UpdateStatus sets a non-terminal status, or finishes the pipeline when
// status is terminal.
func (s *Store) UpdateStatus(id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("update status: unknown status %q", status)
	}
	if status.Terminal() {
		return s.Finish(id, status, "")
	}
	return s.commit(id, func(p *Pipeline) ([]events.Event, error) {
		if p.Status.Terminal() {
			return nil, ErrTerminal
		}
		if p.Status == status {
			return nil, errNoChange
		}
		from := p.Status
		p.Status = status
		return []events.Event{events.New(events.StatusChangedData{From: string(from), To: string(status)})}, nil
	})
}

// Finish moves the pipeline into a terminal status, releases the admission
// slot and appends the matching terminal event. A completed pipeline with
// any failed requirement is marked partial.
func (s *Store) Finish(id string, status Status, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("finish with non-terminal status %q", status)
	}
	return s.commit(id, func(p *Pipeline) ([]events.Event, error) {
		if p.Status.Terminal() {
			return nil, ErrTerminal
		}
		from := p.Status
		now := s.now()
		p.Status = status
		p.CompletedAt = &now
		if reason != "" && status != StatusCompleted {
			p.Error = reason
		}
		completed, failed, pending := p.Counts()

		evs := []events.Event{events.At(now, events.StatusChangedData{From: string(from), To: string(status)})}
		switch status {
		case StatusCompleted:
			p.Partial = failed > 0
			evs = append(evs, events.At(now, events.PipelineCompletedData{
				Completed: completed, Failed: failed, Pending: pending, Partial: p.Partial,
			}))
		case StatusFailed:
			evs = append(evs, events.At(now, events.PipelineFailedData{Reason: reason}))
		case StatusAborted:
			evs = append(evs, events.At(now, events.PipelineAbortedData{
				Reason: reason, Completed: completed, Failed: failed, Pending: pending,
			}))
		}
		return evs, nil
	})
}

// SetRequirements records the QA result. It may be called once per
// pipeline; TotalRequirements is fixed from then on. Missing ids, titles
// and statuses are filled in, and epic membership is derived from each
// requirement's EpicID when an epic lists no requirements.
func (s *Store) SetRequirements(id string, reqs []Requirement, epics []Epic) error {
	if len(reqs) == 0 {
		return errors.New("set requirements: at least one requirement is required")
	}
	return s.commit(id, func(p *Pipeline) ([]events.Event, error) {
		if p.Status.Terminal() {
			return nil, ErrTerminal
		}
		if len(p.Requirements) > 0 {
			return nil, ErrRequirementsLocked
		}

		seen := make(map[string]bool, len(reqs))
		out := make([]Requirement, len(reqs))
		for i, r := range reqs {
			if r.ID == "" {
				r.ID = fmt.Sprintf("REQ-%d", i+1)
			}
			if seen[r.ID] {
				return nil, fmt.Errorf("set requirements: duplicate id %q", r.ID)
			}
			seen[r.ID] = true
			if strings.TrimSpace(r.Title) == "" {
				return nil, fmt.Errorf("set requirements: requirement %s has no title", r.ID)
			}
			r.Status = RequirementPending
			r.StartedAt, r.FinishedAt = nil, nil
			r.AcceptanceCriteria = append([]string(nil), r.AcceptanceCriteria...)
			out[i] = r
		}

		outEpics := make([]Epic, 0, len(epics))
		for _, e := range epics {
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			ids := append([]string(nil), e.RequirementIDs...)
			if len(ids) == 0 {
				for _, r := range out {
					if r.EpicID == e.ID {
						ids = append(ids, r.ID)
					}
				}
			}
			e.RequirementIDs = ids
			outEpics = append(outEpics, e)
		}

		p.Requirements = out
		p.Epics = outEpics
		p.Phase.TotalRequirements = len(out)
		recomputeEpics(p)
		ids := make([]string, len(out))
		for i, r := range out {
			ids[i] = r.ID
		}
		return []events.Event{events.New(events.RequirementsSetData{Count: len(out), IDs: ids, Epics: len(outEpics)})}, nil
	})
}

// TransitionRequirement moves one requirement forward. note is stored as
// the requirement's note, or as its failure reason when to is failed.
func (s *Store) TransitionRequirement(id, reqID string, to RequirementStatus, note string) (Requirement, error) {
	var out Requirement
	err := s.commit(id, func(p *Pipeline) ([]events.Event, error) {
		if p.Status.Terminal() {
			return nil, ErrTerminal
		}
		r := p.Requirement(reqID)
		if r == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRequirement, reqID)
		}
		if !r.Status.CanTransition(to) {
			return nil, fmt.Errorf("requirement %s %s -> %s: %w", reqID, r.Status, to, ErrInvalidTransition)
		}

		now := s.now()
		r.Status = to
		var ev events.Event
		switch to {
		case RequirementInProgress:
			if r.StartedAt == nil {
				r.StartedAt = &now
			}
			if note != "" {
				r.Note = note
			}
			ev = events.At(now, events.RequirementStartedData{RequirementID: reqID, Title: r.Title, Note: note})
		case RequirementCompleted:
			r.FinishedAt = &now
			if note != "" {
				r.Note = note
			}
			ev = events.At(now, events.RequirementCompletedData{RequirementID: reqID, Title: r.Title, Note: note})
		case RequirementFailed:
			r.FinishedAt = &now
			r.FailureReason = note
			ev = events.At(now, events.RequirementFailedData{RequirementID: reqID, Title: r.Title, Reason: note})
		default:
			return nil, fmt.Errorf("requirement %s -> %s: %w", reqID, to, ErrInvalidTransition)
		}
		recomputeEpics(p)
		out = *r
		out.AcceptanceCriteria = append([]string(nil), r.AcceptanceCriteria...)
		return []events.Event{ev}, nil
	})
	return out, err
}

// RequestPause sets the pause flag. Status is unchanged until the run loop
// reaches a checkpoint and calls MarkPaused. It reports false for unknown
// or terminal pipelines.
func (s *Store) RequestPause(id string) bool {
	err := s.commit(id, func(p *Pipeline) ([]events.Event, error) {
		if p.Status.Terminal() {
			return nil, ErrTerminal
		}
		if p.PauseRequested {
			return nil, errNoChange
		}
		p.PauseRequested = true
		return []events.Event{events.New(events.PauseRequestedData{})}, nil
	})
	return err == nil
}

// RequestAbort sets the abort flag, moves the pipeline to aborted and
// releases the admission slot synchronously, whether or not the run loop
// has observed the flag. Repeated calls on an aborted pipeline report true.
func (s *Store) RequestAbort(id string) bool {
	err := s.commit(id, func(p *Pipeline) ([]events.Event, error) {
		if p.Status == StatusAborted {
			return nil, errNoChange
		}
		if p.Status.Terminal() {
			return nil, ErrTerminal
		}
		from := p.Status
		now := s.now()
		p.AbortRequested = true
		p.Status = StatusAborted
		p.CompletedAt = &now
		p.PendingInput = nil
		completed, failed, pending := p.Counts()
		return []events.Event{
			events.At(now, events.AbortRequestedData{}),
			events.At(now, events.StatusChangedData{From: string(from), To: string(StatusAborted)}),
			events.At(now, events.PipelineAbortedData{
				Reason: "aborted by operator", Completed: completed, Failed: failed, Pending: pending,
			}),
		}, nil
	})
	return err == nil
}

// MarkPaused is the run loop's checkpoint: the pipeline moves to paused and
// keeps its admission slot.
func (s *Store) MarkPaused(id, reason string) error {
	return s.commit(id, func(p *Pipeline) ([]events.Event, error) {
		if p.Status.Terminal() {
			return nil, ErrTerminal
		}
		if p.Status == StatusPaused {
			return nil, errNoChange
		}
		from := p.Status
		p.Status = StatusPaused
		return []events.Event{
			events.New(events.StatusChangedData{From: string(from), To: string(StatusPaused)}),
			events.New(events.PausedData{Phase: string(p.Phase.Current), Reason: reason}),
		}, nil
	})
}

// Resume is valid only for a paused pipeline: it clears the pause flag and
// any pending input request and restores the status of Phase.Current.
// Otherwise it reports false and mutates nothing.
func (s *Store) Resume(id string) bool {
	resumed := false
	err := s.commit(id, func(p *Pipeline) ([]events.Event, error) {
		if p.Status != StatusPaused {
			return nil, errNoChange
		}
		resumed = true
		p.PauseRequested = false
		p.PendingInput = nil
		p.Status = p.Phase.Current.Status()
		return []events.Event{
			events.New(events.StatusChangedData{From: string(StatusPaused), To: string(p.Status)}),
			events.New(events.ResumedData{Phase: string(p.Phase.Current)}),
		}, nil
	})
	return err == nil && resumed
}

// SetPendingInput records an outstanding question for the operator. A nil
// request clears it.
func (s *Store) SetPendingInput(id string, req *InputRequest) error {
	return s.commit(id, func(p *Pipeline) ([]events.Event, error) {
		if p.Status.Terminal() {
			return nil, ErrTerminal
		}
		if req == nil {
			p.PendingInput = nil
			return nil, nil
		}
		cp := *req
		cp.Questions = append([]string(nil), req.Questions...)
		if cp.RequestedAt.IsZero() {
			cp.RequestedAt = s.now()
		}
		p.PendingInput = &cp
		return []events.Event{events.New(events.UserInputRequestedData{
			Questions: cp.Questions, Phase: string(cp.Phase), ToolUseID: cp.ToolUseID,
		})}, nil
	})
}

// AppendMessage adds a turn to the conversation history.
func (s *Store) AppendMessage(id, role, content string) error {
	return s.commit(id, func(p *Pipeline) ([]events.Event, error) {
		p.Conversation = append(p.Conversation, Message{Role: role, Content: content, Timestamp: s.now()})
		return nil, nil
	})
}

// SetError records the last error message on the pipeline.
func (s *Store) SetError(id, msg string) error {
	return s.commit(id, func(p *Pipeline) ([]events.Event, error) {
		if p.Error == msg {
			return nil, errNoChange
		}
		p.Error = msg
		return nil, nil
	})
}

// AddArtifact records ref and appends artifact_created.
func (s *Store) AddArtifact(id string, ref ArtifactRef) (ArtifactRef, error) {
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = s.now()
	}
	err := s.commit(id, func(p *Pipeline) ([]events.Event, error) {
		p.Artifacts = append(p.Artifacts, ref)
		return []events.Event{events.New(events.ArtifactCreatedData{
			ArtifactID: ref.ID, Type: ref.Type, Path: ref.Path, RequirementID: ref.RequirementID,
		})}, nil
	})
	return ref, err
}

// SaveArtifact writes data under the pipeline's artifacts directory and
// records it. ext is the file extension without the dot.
func (s *Store) SaveArtifact(id string, ref ArtifactRef, ext string, data []byte) (ArtifactRef, error) {
	if _, ok := s.Get(id); !ok {
		return ArtifactRef{}, fmt.Errorf("save artifact: pipeline %s: %w", id, ErrNotFound)
	}
	if ref.ID == "" {
		ref.ID = uuid.NewString()
	}
	name := ref.ID
	if ext = strings.TrimPrefix(ext, "."); ext != "" {
		name += "." + ext
	}
	path := filepath.Join(s.ArtifactsDir(id), name)
	if err := WriteAtomic(path, data); err != nil {
		return ArtifactRef{}, fmt.Errorf("save artifact: %w", err)
	}
	ref.Path = path
	return s.AddArtifact(id, ref)
}

// ClearAll removes every pipeline, frees the admission slot and deletes
// per-pipeline files. Live subscribers receive done. It returns the number
// of pipelines removed.
func (s *Store) ClearAll() int {
	s.mu.Lock()
	n := len(s.pipelines)
	s.pipelines = make(map[string]*Pipeline)
	s.slot.Reset("")
	s.persistLocked()
	s.mu.Unlock()

	// Pipelines are gone first so no new topic can be created for them.
	s.topicsMu.Lock()
	topics := s.topics
	s.topics = make(map[string]*topic)
	s.topicsMu.Unlock()

	for id, t := range topics {
		t.mu.Lock()
		s.closeTopic(id, t)
		t.mu.Unlock()
	}

	if err := os.RemoveAll(filepath.Join(s.baseDir, "pipelines")); err != nil {
		s.logger.Warn("remove pipeline files", zap.Error(err))
	}
	return n
}
