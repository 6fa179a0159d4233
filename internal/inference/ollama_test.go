package inference

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/noted/internal/engine"
)

type mockEngine struct {
	isRunning bool
	models    map[string]bool
	pullErr   error

	mu       sync.Mutex
	pulled   []string
	messages []engine.Message

	chatResp  string
	chatErr   error
	chatDelay time.Duration
	inFlight  atomic.Int32
	maxFlight atomic.Int32
	release   chan struct{}
}

func (m *mockEngine) Chat(ctx context.Context, _ string, msgs []engine.Message, _ *engine.Schema) (string, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxFlight.Load()
		if n <= cur || m.maxFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	m.mu.Lock()
	m.messages = append(m.messages, msgs...)
	m.mu.Unlock()
	if m.release != nil {
		select {
		case <-m.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if m.chatDelay > 0 {
		select {
		case <-time.After(m.chatDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return m.chatResp, m.chatErr
}

func (m *mockEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1}, nil
}
func (m *mockEngine) IsRunning(_ context.Context) bool { return m.isRunning }
func (m *mockEngine) ListModels(_ context.Context) ([]string, error) {
	var names []string
	for n := range m.models {
		names = append(names, n)
	}
	return names, nil
}
func (m *mockEngine) HasModel(_ context.Context, name string) bool { return m.models[name] }
func (m *mockEngine) PullModel(_ context.Context, name string, cb func(engine.PullProgress)) error {
	m.mu.Lock()
	m.pulled = append(m.pulled, name)
	m.mu.Unlock()
	if m.pullErr != nil {
		return m.pullErr
	}
	if cb != nil {
		cb(engine.PullProgress{Status: "pulling manifest"})
		cb(engine.PullProgress{Status: "downloading", Total: 100, Completed: 40})
		cb(engine.PullProgress{Status: "success"})
	}
	return nil
}

func TestLoad_PullsMissingModel(t *testing.T) {
	eng := &mockEngine{isRunning: true, models: map[string]bool{}}
	llm := NewLLM(eng, "llama3.2", time.Second)

	if llm.Ready() {
		t.Fatal("handle should not be ready before Load")
	}
	if err := llm.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !llm.Ready() || llm.Progress() != 1 {
		t.Errorf("ready=%v progress=%v, want true/1", llm.Ready(), llm.Progress())
	}
	if len(eng.pulled) != 1 || eng.pulled[0] != "llama3.2" {
		t.Errorf("pulled = %v", eng.pulled)
	}
}

func TestLoad_SkipsPresentModel(t *testing.T) {
	eng := &mockEngine{isRunning: true, models: map[string]bool{"nomic-embed-text": true}}
	emb := NewEmbeddings(eng, "nomic-embed-text", time.Second)
	if err := emb.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(eng.pulled) != 0 {
		t.Errorf("pulled = %v, want none", eng.pulled)
	}
}

func TestLoad_EngineDown(t *testing.T) {
	eng := &mockEngine{isRunning: false}
	llm := NewLLM(eng, "llama3.2", time.Second)
	if err := llm.Load(context.Background()); err == nil {
		t.Fatal("expected error when engine is down")
	}
	if llm.Ready() {
		t.Error("handle must stay unready after failed load")
	}
}

func TestGenerate_NotReady(t *testing.T) {
	llm := NewLLM(&mockEngine{}, "llama3.2", time.Second)
	_, err := llm.Generate(context.Background(), nil, nil)
	if !errors.Is(err, ErrNotReady) {
		t.Errorf("err = %v, want ErrNotReady", err)
	}
}

func TestGenerate_SerializesCalls(t *testing.T) {
	eng := &mockEngine{isRunning: true, models: map[string]bool{"llama3.2": true}, chatResp: "ok", chatDelay: 5 * time.Millisecond}
	llm := NewLLM(eng, "llama3.2", time.Second)
	if err := llm.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := llm.Generate(context.Background(), []engine.Message{{Role: "user", Content: "hi"}}, nil); err != nil {
				t.Errorf("Generate: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := eng.maxFlight.Load(); got != 1 {
		t.Errorf("max concurrent calls = %d, want 1", got)
	}
	if llm.Busy() {
		t.Error("handle still busy after all calls returned")
	}
}

func TestGenerate_Timeout(t *testing.T) {
	eng := &mockEngine{isRunning: true, models: map[string]bool{"llama3.2": true}, release: make(chan struct{})}
	llm := NewLLM(eng, "llama3.2", 10*time.Millisecond)
	if err := llm.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, err := llm.Generate(context.Background(), nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRecognize_SplitsLines(t *testing.T) {
	eng := &mockEngine{isRunning: true, models: map[string]bool{"llava": true}, chatResp: "Receipt\n\n  Total: 12.50  \n```"}
	ocr := NewOCR(eng, "llava", time.Second)
	if err := ocr.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, err := ocr.Recognize(context.Background(), []byte("png-bytes"))
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if len(got) != 2 || got[0].Text != "Receipt" || got[1].Text != "Total: 12.50" || got[1].Line != 1 {
		t.Errorf("detections = %+v", got)
	}
	if len(eng.messages) != 1 || len(eng.messages[0].Images) != 1 {
		t.Fatalf("messages = %+v, want one image", eng.messages)
	}
}

func TestRecognize_BusyFailsFast(t *testing.T) {
	eng := &mockEngine{isRunning: true, models: map[string]bool{"llava": true}, release: make(chan struct{})}
	ocr := NewOCR(eng, "llava", time.Second)
	if err := ocr.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := ocr.Recognize(context.Background(), []byte("a"))
		done <- err
	}()
	deadline := time.After(time.Second)
	for !ocr.Busy() {
		select {
		case <-deadline:
			t.Fatal("first recognition never started")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if _, err := ocr.Recognize(context.Background(), []byte("b")); !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
	close(eng.release)
	if err := <-done; err != nil {
		t.Errorf("first recognition: %v", err)
	}
}

func TestLoadAll(t *testing.T) {
	eng := &mockEngine{isRunning: true, models: map[string]bool{}}
	llm := NewLLM(eng, "llama3.2", time.Second)
	emb := NewEmbeddings(eng, "nomic-embed-text", time.Second)

	var mu sync.Mutex
	var loaded []string
	err := LoadAll(context.Background(), func(name string) {
		mu.Lock()
		loaded = append(loaded, name)
		mu.Unlock()
	}, llm, emb)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("loaded = %v, want both models", loaded)
	}
	m := Models{LLM: llm, Embeddings: emb}
	if !m.Readiness().Admits() {
		t.Error("both models loaded but readiness does not admit")
	}
}

func TestLoadAll_ReportsFailure(t *testing.T) {
	eng := &mockEngine{isRunning: true, models: map[string]bool{"llama3.2": true}, pullErr: fmt.Errorf("disk full")}
	llm := NewLLM(eng, "llama3.2", time.Second)
	emb := NewEmbeddings(eng, "nomic-embed-text", time.Second)

	err := LoadAll(context.Background(), nil, llm, emb)
	if err == nil {
		t.Fatal("expected error")
	}
	if !llm.Ready() {
		t.Error("a failing model must not stop the others from loading")
	}
	if (Models{LLM: llm, Embeddings: emb}).Readiness().Admits() {
		t.Error("readiness should not admit with embeddings unloaded")
	}
}

func TestReadiness(t *testing.T) {
	var m Models
	if m.Readiness().Admits() {
		t.Error("nil models must not admit")
	}
	if Ready(nil) {
		t.Error("Ready(nil) = true")
	}
}
