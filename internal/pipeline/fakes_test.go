package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"avs/internal/jobs"
	"avs/internal/media/synth"
	"avs/internal/providers/imagegen"
	"avs/internal/providers/llm"
	"avs/internal/providers/mixer"
	"avs/internal/providers/tts"
)

type fakeLLM struct {
	name  string
	reply string
	err   error
	calls int
}

func (f *fakeLLM) Name() string { return f.name }
func (f *fakeLLM) IsAvailable(context.Context) bool { return true }

func (f *fakeLLM) Generate(ctx context.Context, _ llm.GenerateRequest) (string, error) {
	f.calls++
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return f.reply, f.err
}

func llmChain(gs ...llm.Generator) *mixer.Mixer[llm.Generator] {
	return mixer.New("llm", gs, mixer.Options{AutoFallback: true}, nil)
}

// fakeVoice writes whatever write produces into the request dir.
type fakeVoice struct {
	name  string
	up    bool
	err   error
	write func(path string) error
	calls int
}

func (f *fakeVoice) Name() string { return f.name }
func (f *fakeVoice) IsAvailable(context.Context) bool { return f.up }

func (f *fakeVoice) Synthesize(_ context.Context, r tts.Request) (tts.Result, error) {
	f.calls++
	if f.err != nil {
		return tts.Result{}, f.err
	}
	path := filepath.Join(r.Dir, "narration-"+f.name+".wav")
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return tts.Result{}, err
	}
	if err := f.write(path); err != nil {
		return tts.Result{}, err
	}
	return tts.Result{Path: path, Format: "wav"}, nil
}

func ttsChain(vs ...tts.Synthesizer) *mixer.Mixer[tts.Synthesizer] {
	return mixer.New("tts", vs, mixer.Options{AutoFallback: true}, nil)
}

func silenceOf(d time.Duration) func(string) error {
	return func(path string) error { return synth.WriteSilenceWAV(path, d) }
}

func garbage(path string) error {
	return os.WriteFile(path, []byte("definitely not audio"), 0o644)
}

type fakeImages struct {
	name  string
	valid bool
	err   error

	mu      sync.Mutex
	prompts []string
}

func (f *fakeImages) Name() string { return f.name }
func (f *fakeImages) IsAvailable(context.Context) bool { return true }

func (f *fakeImages) Generate(_ context.Context, r imagegen.Request) error {
	f.mu.Lock()
	f.prompts = append(f.prompts, r.Prompt)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if !f.valid {
		if err := os.MkdirAll(filepath.Dir(r.Path), 0o755); err != nil {
			return err
		}
		return os.WriteFile(r.Path, []byte("<html>rate limited</html>"), 0o644)
	}
	return synth.WritePlaceholderPNG(r.Path, synth.Placeholder{Width: 64, Height: 36, Title: "generated"})
}

func imageChain(gs ...imagegen.Generator) *mixer.Mixer[imagegen.Generator] {
	return mixer.New("images", gs, mixer.Options{AutoFallback: true}, nil)
}

// recordingSink collects reports.
type recordingSink struct {
	mu      sync.Mutex
	reports []Progress
}

func (s *recordingSink) Report(p Progress) {
	s.mu.Lock()
	s.reports = append(s.reports, p)
	s.mu.Unlock()
}

func (s *recordingSink) last() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports[len(s.reports)-1]
}

func newContext(workDir string, seconds ...float64) *Context {
	pc := &Context{
		JobID:      "job-1",
		Brief:      jobs.Brief{Topic: "tides", TargetDurationSeconds: 30, Language: "en"},
		Plan:       Plan{Width: 320, Height: 180, FPS: 25},
		WorkDir:    workDir,
		OutputPath: filepath.Join(workDir, "out", "final.mp4"),
	}
	var start time.Duration
	for i, s := range seconds {
		d := time.Duration(s * float64(time.Second))
		pc.Scenes = append(pc.Scenes, Scene{Index: i, Title: "scene", Text: "Some narration.", Start: start, Duration: d})
		start += d
	}
	return pc
}
