package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/noted/internal/classify"
	"github.com/kalambet/noted/internal/engine"
	"github.com/kalambet/noted/internal/inference"
	"github.com/kalambet/noted/internal/queue"
	"github.com/kalambet/noted/internal/storage"
)

// mockLLM answers classification requests (those with a schema) with
// classifyResp and title requests with titleResp.
type mockLLM struct {
	classifyResp string
	titleResp    string
	err          error
	titleCalls   atomic.Int32
}

func (m *mockLLM) Name() string      { return "mock-llm" }
func (m *mockLLM) Ready() bool       { return true }
func (m *mockLLM) Busy() bool        { return false }
func (m *mockLLM) Progress() float64 { return 1 }
func (m *mockLLM) Generate(_ context.Context, _ []engine.Message, schema *engine.Schema) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if schema != nil {
		return m.classifyResp, nil
	}
	m.titleCalls.Add(1)
	return m.titleResp, nil
}

type mockEmbeddings struct {
	vec []float32
	err error
}

func (m *mockEmbeddings) Name() string      { return "mock-embed" }
func (m *mockEmbeddings) Ready() bool       { return true }
func (m *mockEmbeddings) Busy() bool        { return false }
func (m *mockEmbeddings) Progress() float64 { return 1 }
func (m *mockEmbeddings) Embed(context.Context, string) ([]float32, error) {
	return m.vec, m.err
}

// gatedEmbeddings blocks each Embed call until gate yields and derives the
// vector from the text so tests can tell which content was embedded.
type gatedEmbeddings struct {
	gate    chan struct{}
	entered chan string

	mu    sync.Mutex
	texts []string
}

func (m *gatedEmbeddings) Name() string      { return "gated-embed" }
func (m *gatedEmbeddings) Ready() bool       { return true }
func (m *gatedEmbeddings) Busy() bool        { return false }
func (m *gatedEmbeddings) Progress() float64 { return 1 }
func (m *gatedEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	m.entered <- text
	select {
	case <-m.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	m.mu.Lock()
	m.texts = append(m.texts, text)
	m.mu.Unlock()
	return []float32{float32(len(text)), 1}, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createNote(t *testing.T, s *storage.Store, n storage.Note) storage.Note {
	t.Helper()
	n, err := s.CreateNote(n)
	if err != nil {
		t.Fatalf("CreateNote: %v", err)
	}
	return n
}

func models(llm *mockLLM, emb *mockEmbeddings) inference.Models {
	return inference.Models{LLM: llm, Embeddings: emb}
}

func never() bool { return false }

func TestProcess_OrganizesNote(t *testing.T) {
	s := openTestStore(t)
	n := createNote(t, s, storage.Note{Content: "Buy milk and eggs"})
	llm := &mockLLM{classifyResp: `{"type":"task","tags":["Groceries","errands"]}`, titleResp: `"Grocery run."`}
	emb := &mockEmbeddings{vec: []float32{0.1, 0.2, 0.3}}

	p := New(s, classify.New(5))
	out, err := p.Process(context.Background(), queue.Job{NoteID: n.ID}, models(llm, emb), never)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Type != storage.TypeTask || out.Title != "Grocery run" || out.Dimensions != 3 {
		t.Errorf("outcome = %+v", out)
	}

	got, err := s.GetNote(n.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AIStatus != storage.StatusOrganized || !got.IsProcessed {
		t.Errorf("status = %q processed=%v, want organized", got.AIStatus, got.IsProcessed)
	}
	if got.Title != "Grocery run" || got.Type != storage.TypeTask || len(got.Embedding) != 3 {
		t.Errorf("note = %+v", got)
	}
	var names []string
	for _, tag := range got.Tags {
		names = append(names, tag.Name)
		if !tag.IsAuto {
			t.Errorf("tag %q is not marked auto", tag.Name)
		}
	}
	if strings.Join(names, ",") != "errands,groceries" {
		t.Errorf("tags = %v", names)
	}
}

func TestProcess_KeepsUserTitle(t *testing.T) {
	s := openTestStore(t)
	n := createNote(t, s, storage.Note{Content: "Call the dentist", Title: "Dentist"})
	llm := &mockLLM{classifyResp: `{"type":"task","tags":[]}`, titleResp: "Something else"}

	p := New(s, nil)
	if _, err := p.Process(context.Background(), queue.Job{NoteID: n.ID}, models(llm, &mockEmbeddings{vec: []float32{1}}), never); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if llm.titleCalls.Load() != 0 {
		t.Error("title was generated for a titled note")
	}
	got, _ := s.GetNote(n.ID)
	if got.Title != "Dentist" {
		t.Errorf("Title = %q, want Dentist", got.Title)
	}
}

func TestProcess_RefreshesGeneratedTitle(t *testing.T) {
	s := openTestStore(t)
	n := createNote(t, s, storage.Note{Content: "Call the dentist"})
	emb := &mockEmbeddings{vec: []float32{1}}
	p := New(s, nil)

	first := &mockLLM{classifyResp: `{"type":"task","tags":[]}`, titleResp: "Dentist"}
	if _, err := p.Process(context.Background(), queue.Job{NoteID: n.ID}, models(first, emb), never); err != nil {
		t.Fatalf("Process: %v", err)
	}

	content := "Call the dentist and book a cleaning"
	if _, err := s.UpdateNote(n.ID, storage.NoteUpdate{Content: &content}); err != nil {
		t.Fatalf("UpdateNote: %v", err)
	}
	second := &mockLLM{classifyResp: `{"type":"task","tags":[]}`, titleResp: "Dental cleaning"}
	if _, err := p.Process(context.Background(), queue.Job{NoteID: n.ID}, models(second, emb), never); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, _ := s.GetNote(n.ID)
	if got.Title != "Dental cleaning" || !got.TitleIsAuto {
		t.Errorf("title = %q auto=%v, want refreshed generated title", got.Title, got.TitleIsAuto)
	}

	// Once the user renames it, the title is left alone.
	title := "Teeth"
	if _, err := s.UpdateNote(n.ID, storage.NoteUpdate{Title: &title}); err != nil {
		t.Fatalf("UpdateNote: %v", err)
	}
	third := &mockLLM{classifyResp: `{"type":"task","tags":[]}`, titleResp: "Other"}
	if _, err := p.Process(context.Background(), queue.Job{NoteID: n.ID}, models(third, emb), never); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if third.titleCalls.Load() != 0 {
		t.Error("title was generated for a user-titled note")
	}
	if got, _ := s.GetNote(n.ID); got.Title != "Teeth" || got.TitleIsAuto {
		t.Errorf("title = %q auto=%v, want user title", got.Title, got.TitleIsAuto)
	}
}

func TestProcess_EmptyTitleFallsBackToContent(t *testing.T) {
	s := openTestStore(t)
	n := createNote(t, s, storage.Note{Content: "\n# Trip planning\nbook flights"})
	llm := &mockLLM{classifyResp: `{"type":"idea","tags":[]}`, titleResp: `""`}

	p := New(s, nil)
	out, err := p.Process(context.Background(), queue.Job{NoteID: n.ID}, models(llm, &mockEmbeddings{vec: []float32{1}}), never)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Title != "Trip planning" {
		t.Errorf("Title = %q, want Trip planning", out.Title)
	}
}

func TestProcess_TitleTruncated(t *testing.T) {
	s := openTestStore(t)
	n := createNote(t, s, storage.Note{Content: "x"})
	llm := &mockLLM{classifyResp: `{"type":"note","tags":[]}`, titleResp: strings.Repeat("word ", 40)}

	p := New(s, nil, WithMaxTitleLength(20))
	out, err := p.Process(context.Background(), queue.Job{NoteID: n.ID}, models(llm, &mockEmbeddings{vec: []float32{1}}), never)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len([]rune(out.Title)) > 20 || out.Title == "" {
		t.Errorf("Title = %q, want 1..20 runes", out.Title)
	}
}

func TestProcess_MalformedClassificationStillOrganizes(t *testing.T) {
	s := openTestStore(t)
	n := createNote(t, s, storage.Note{Content: "Meeting agenda: budget"})
	llm := &mockLLM{classifyResp: "sure! it's a meeting", titleResp: "Budget meeting"}

	p := New(s, nil)
	out, err := p.Process(context.Background(), queue.Job{NoteID: n.ID}, models(llm, &mockEmbeddings{vec: []float32{1, 2}}), never)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.FromLLM || out.Type != storage.TypeNote || len(out.Tags) != 0 {
		t.Errorf("outcome = %+v, want defaults", out)
	}
	got, _ := s.GetNote(n.ID)
	if got.AIStatus != storage.StatusOrganized {
		t.Errorf("status = %q, want organized", got.AIStatus)
	}
}

func TestProcess_CaptureTypesArePreserved(t *testing.T) {
	for _, typ := range []storage.NoteType{storage.TypeScan, storage.TypeVoice} {
		s := openTestStore(t)
		n := createNote(t, s, storage.Note{Content: "Receipt total 12.40", Type: typ})
		llm := &mockLLM{classifyResp: `{"type":"reference","tags":["receipts"]}`, titleResp: "Receipt"}

		out, err := New(s, nil).Process(context.Background(), queue.Job{NoteID: n.ID}, models(llm, &mockEmbeddings{vec: []float32{1}}), never)
		if err != nil {
			t.Fatalf("Process(%s): %v", typ, err)
		}
		if out.Type != typ {
			t.Errorf("type = %q, want %q", out.Type, typ)
		}
	}
}

func TestProcess_FailuresWriteNothing(t *testing.T) {
	tests := []struct {
		name string
		llm  *mockLLM
		emb  *mockEmbeddings
	}{
		{"llm error", &mockLLM{err: errors.New("connection refused")}, &mockEmbeddings{vec: []float32{1}}},
		{"embed error", &mockLLM{classifyResp: `{"type":"note","tags":["a"]}`, titleResp: "T"}, &mockEmbeddings{err: errors.New("timeout")}},
		{"empty embedding", &mockLLM{classifyResp: `{"type":"note","tags":["a"]}`, titleResp: "T"}, &mockEmbeddings{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t)
			n := createNote(t, s, storage.Note{Content: "hello"})

			if _, err := New(s, nil).Process(context.Background(), queue.Job{NoteID: n.ID}, models(tt.llm, tt.emb), never); err == nil {
				t.Fatal("expected error")
			}
			got, _ := s.GetNote(n.ID)
			if got.AIStatus != storage.StatusUnprocessed || got.Title != "" || got.Embedding != nil || len(got.Tags) != 0 {
				t.Errorf("note was modified: %+v", got)
			}
		})
	}
}

func TestProcess_ModelsNotReady(t *testing.T) {
	s := openTestStore(t)
	n := createNote(t, s, storage.Note{Content: "hello"})

	_, err := New(s, nil).Process(context.Background(), queue.Job{NoteID: n.ID}, inference.Models{LLM: &mockLLM{}}, never)
	if !errors.Is(err, inference.ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
}

func TestProcess_CancelledAtEachStage(t *testing.T) {
	// The pipeline checks before classify, title, embed and persist.
	for stage := 1; stage <= 4; stage++ {
		s := openTestStore(t)
		n := createNote(t, s, storage.Note{Content: "Buy milk"})
		llm := &mockLLM{classifyResp: `{"type":"task","tags":["groceries"]}`, titleResp: "Milk"}

		var checks int
		cancelled := func() bool {
			checks++
			return checks >= stage
		}
		_, err := New(s, nil).Process(context.Background(), queue.Job{NoteID: n.ID}, models(llm, &mockEmbeddings{vec: []float32{1}}), cancelled)
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("stage %d: err = %v, want ErrCancelled", stage, err)
		}
		got, _ := s.GetNote(n.ID)
		if got.AIStatus == storage.StatusOrganized || got.Embedding != nil {
			t.Errorf("stage %d: note was written: %+v", stage, got)
		}
	}
}

func TestProcess_Idempotent(t *testing.T) {
	s := openTestStore(t)
	n := createNote(t, s, storage.Note{Content: "Plan a trip to Lisbon"})
	llm := &mockLLM{classifyResp: `{"type":"idea","tags":["travel","lisbon"]}`, titleResp: "Lisbon trip"}
	emb := &mockEmbeddings{vec: []float32{0.5, 0.5}}
	p := New(s, nil)

	for i := 0; i < 2; i++ {
		if _, err := p.Process(context.Background(), queue.Job{NoteID: n.ID}, models(llm, emb), never); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	got, _ := s.GetNote(n.ID)
	if len(got.Tags) != 2 {
		t.Errorf("tags = %v, want 2 after re-processing", got.Tags)
	}
	tags, err := s.ListTags()
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 2 {
		t.Errorf("%d tags in store, want 2", len(tags))
	}
}

func TestQueueWithPipeline_AddedNoteIsOrganized(t *testing.T) {
	s := openTestStore(t)
	n := createNote(t, s, storage.Note{Content: "Buy milk and eggs"})
	llm := &mockLLM{classifyResp: `{"type":"task","tags":["groceries"]}`, titleResp: "Groceries"}
	emb := &mockEmbeddings{vec: []float32{0.1, 0.2, 0.3, 0.4}}

	q := queue.New(s, New(s, nil))
	defer q.Close()
	done := make(chan queue.Completion, 1)
	q.OnProcessingComplete(func(c queue.Completion) { done <- c })
	q.SetModels(models(llm, emb))

	if !q.Add(queue.Job{NoteID: n.ID, Content: n.Content}) {
		t.Fatal("Add returned false")
	}
	select {
	case c := <-done:
		if c.Status != storage.StatusOrganized {
			t.Fatalf("completion = %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	got, _ := s.GetNote(n.ID)
	if got.AIStatus != storage.StatusOrganized || !got.IsProcessed || len(got.Embedding) != 4 || got.Type == "" {
		t.Errorf("note = %+v", got)
	}
}

func TestQueueWithPipeline_EditDuringProcessing(t *testing.T) {
	s := openTestStore(t)
	n := createNote(t, s, storage.Note{Content: "old text"})
	llm := &mockLLM{classifyResp: `{"type":"note","tags":[]}`, titleResp: "Draft"}
	emb := &gatedEmbeddings{gate: make(chan struct{}), entered: make(chan string, 4)}

	q := queue.New(s, New(s, nil))
	defer q.Close()
	done := make(chan queue.Completion, 4)
	q.OnProcessingComplete(func(c queue.Completion) { done <- c })
	q.SetModels(inference.Models{LLM: llm, Embeddings: emb})

	q.Add(queue.Job{NoteID: n.ID, Content: n.Content})
	if got := <-emb.entered; got != "old text" {
		t.Fatalf("first run embedded %q", got)
	}

	content := "new text, much longer"
	if _, err := s.UpdateNote(n.ID, storage.NoteUpdate{Content: &content}); err != nil {
		t.Fatalf("UpdateNote: %v", err)
	}
	q.Requeue(queue.Job{NoteID: n.ID, Content: content})
	close(emb.gate)

	for i := 0; i < 2; i++ {
		select {
		case c := <-done:
			if c.Status != storage.StatusOrganized {
				t.Fatalf("completion %d = %+v", i, c)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for completion %d", i)
		}
	}

	got, _ := s.GetNote(n.ID)
	if got.AIStatus != storage.StatusOrganized || len(got.Embedding) != 2 {
		t.Fatalf("note = %+v", got)
	}
	if got.Embedding[0] != float32(len(content)) {
		t.Errorf("embedding = %v, want one computed from the edited content", got.Embedding)
	}
	emb.mu.Lock()
	defer emb.mu.Unlock()
	if last := emb.texts[len(emb.texts)-1]; last != content {
		t.Errorf("last embedded text = %q, want %q", last, content)
	}
}
