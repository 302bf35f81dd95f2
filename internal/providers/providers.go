// Package providers builds the provider chains for each capability from
// configuration.
package providers

import (
	"context"
	"sync"

	"avs/internal/config"
	"avs/internal/pkg/logger"
	"avs/internal/providers/imagegen"
	"avs/internal/providers/llm"
	"avs/internal/providers/mixer"
	"avs/internal/providers/tts"
)

// Capability kinds.
const (
	KindLLM    = "llm"
	KindTTS    = "tts"
	KindImages = "images"
)

// Set holds one mixer per capability. A chain may be empty; the owning stage
// then uses its deterministic fallback.
type Set struct {
	LLM    *mixer.Mixer[llm.Generator]
	TTS    *mixer.Mixer[tts.Synthesizer]
	Images *mixer.Mixer[imagegen.Generator]
}

// FromConfig wires the enabled providers in preference order: Ollama then
// OpenAI for text, Polly then the HTTP service for speech, OpenAI for images.
func FromConfig(cfg config.Config, log *logger.Logger) *Set {
	opts := mixer.Options{AutoFallback: true}

	var gens []llm.Generator
	if cfg.Ollama.Enabled {
		gens = append(gens, llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL:           cfg.Ollama.BaseURL,
			Model:             cfg.Ollama.Model,
			Timeout:           cfg.Ollama.Timeout,
			MaxRetries:        cfg.Ollama.MaxRetries,
			HeartbeatInterval: cfg.Ollama.HeartbeatInterval,
			AvailabilityCache: cfg.Ollama.AvailabilityCache,
		}, log))
	}
	if cfg.OpenAI.APIKey != "" {
		gens = append(gens, llm.NewOpenAIClient(llm.OpenAIConfig{
			BaseURL:           cfg.OpenAI.BaseURL,
			APIKey:            cfg.OpenAI.APIKey,
			Model:             cfg.OpenAI.Model,
			Timeout:           cfg.OpenAI.Timeout,
			AvailabilityCache: cfg.Ollama.AvailabilityCache,
		}, log))
	}

	var voices []tts.Synthesizer
	if cfg.Polly.Enabled {
		voices = append(voices, tts.NewPollySynthesizer(tts.PollyConfig{
			Region:            cfg.Polly.Region,
			VoiceID:           cfg.Polly.VoiceID,
			Engine:            cfg.Polly.Engine,
			AvailabilityCache: cfg.Ollama.AvailabilityCache,
		}, log))
	}
	if cfg.TTS.BaseURL != "" {
		voices = append(voices, tts.NewHTTPSynthesizer(tts.HTTPConfig{
			BaseURL:           cfg.TTS.BaseURL,
			APIKey:            cfg.TTS.APIKey,
			VoiceID:           cfg.TTS.VoiceID,
			Model:             cfg.TTS.Model,
			Timeout:           cfg.TTS.Timeout,
			AvailabilityCache: cfg.Ollama.AvailabilityCache,
		}, log))
	}

	var images []imagegen.Generator
	if cfg.Images.Enabled && cfg.OpenAI.APIKey != "" {
		images = append(images, imagegen.NewOpenAIGenerator(imagegen.OpenAIConfig{
			BaseURL:           cfg.OpenAI.BaseURL,
			APIKey:            cfg.OpenAI.APIKey,
			Model:             cfg.OpenAI.ImageModel,
			Size:              cfg.Images.Size,
			AvailabilityCache: cfg.Ollama.AvailabilityCache,
		}, log))
	}

	return &Set{
		LLM:    mixer.New(KindLLM, gens, opts, log),
		TTS:    mixer.New(KindTTS, voices, opts, log),
		Images: mixer.New(KindImages, images, opts, log),
	}
}

// Status describes one configured provider.
type Status struct {
	Kind      string   `json:"kind"`
	Name      string   `json:"name"`
	Available bool     `json:"available"`
	Models    []string `json:"models,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// Describe probes every provider concurrently and lists models or voices
// where the provider can enumerate them.
func (s *Set) Describe(ctx context.Context) []Status {
	type entry struct {
		kind string
		c    mixer.Candidate
	}
	var all []entry
	for _, g := range s.LLM.Candidates() {
		all = append(all, entry{KindLLM, g})
	}
	for _, v := range s.TTS.Candidates() {
		all = append(all, entry{KindTTS, v})
	}
	for _, i := range s.Images.Candidates() {
		all = append(all, entry{KindImages, i})
	}

	out := make([]Status, len(all))
	var wg sync.WaitGroup
	for i, e := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := Status{Kind: e.kind, Name: e.c.Name(), Available: e.c.IsAvailable(ctx)}
			if st.Available {
				var (
					names []string
					err   error
				)
				switch p := e.c.(type) {
				case llm.ModelLister:
					names, err = p.ListModels(ctx)
				case tts.VoiceLister:
					names, err = p.ListVoices(ctx)
				}
				st.Models = names
				if err != nil {
					st.Error = err.Error()
				}
			}
			out[i] = st
		}()
	}
	wg.Wait()
	return out
}
