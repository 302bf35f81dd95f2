package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"avs/internal/jobs"
	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
	"avs/internal/providers/llm"
	"avs/internal/providers/mixer"
)

// scriptSchema constrains the LLM reply.
const scriptSchema = `{
	"type": "object",
	"required": ["scenes"],
	"properties": {
		"title": {"type": "string"},
		"scenes": {
			"type": "array",
			"minItems": 1,
			"maxItems": 24,
			"items": {
				"type": "object",
				"required": ["text"],
				"properties": {
					"title": {"type": "string"},
					"text": {"type": "string", "minLength": 1},
					"visual": {"type": "string"}
				}
			}
		}
	}
}`

const scriptSystemPrompt = `You write narration scripts for short explainer videos.
Answer with a single JSON object: {"title": string, "scenes": [{"title": string, "text": string, "visual": string}]}.
"text" is the narration read aloud for the scene. "visual" is a one-sentence description of the image shown during it.`

// Narration pace used to size the script and to split the outline.
const (
	wordsPerSecond   = 2.5
	secondsPerScene  = 10
	maxOutlineScenes = 8
)

type scriptReply struct {
	Title  string `json:"title"`
	Scenes []struct {
		Title  string `json:"title"`
		Text   string `json:"text"`
		Visual string `json:"visual"`
	} `json:"scenes"`
}

// ScriptStage turns the brief into timed scenes. It asks the LLM chain for
// a JSON script and falls back to a deterministic outline of the brief.
type ScriptStage struct {
	llm    *mixer.Mixer[llm.Generator]
	schema *jsonschema.Schema
	log    *logger.Logger
}

func NewScriptStage(chain *mixer.Mixer[llm.Generator], log *logger.Logger) *ScriptStage {
	if log == nil {
		log = logger.NewNop()
	}
	return &ScriptStage{
		llm:    chain,
		schema: jsonschema.MustCompileString("script.schema.json", scriptSchema),
		log:    log.WithComponent("stage.script"),
	}
}

func (s *ScriptStage) Name() string { return jobs.StageScript }

func (s *ScriptStage) Execute(ctx context.Context, pc *Context, sink ProgressSink) error {
	log := s.log.FromContext(ctx)
	target := pc.Brief.TargetDuration()
	if target <= 0 {
		return missingField(s.Name(), "brief target duration")
	}
	sink.Report(Progress{Percent: 0, Status: "writing script"})

	var scenes []Scene
	if s.llm != nil && len(s.llm.Candidates()) > 0 {
		var reply scriptReply
		name, err := s.llm.Invoke(ctx, func(ctx context.Context, g llm.Generator) error {
			text, err := g.Generate(ctx, llm.GenerateRequest{
				Prompt:       scriptPrompt(pc.Brief),
				SystemPrompt: scriptSystemPrompt,
				Options:      map[string]any{"temperature": 0.7},
				JSON:         true,
			})
			if err != nil {
				return err
			}
			return s.parse(text, &reply)
		})
		switch {
		case err == nil:
			log.Info("script generated", "provider", name, "scenes", len(reply.Scenes))
			for _, sc := range reply.Scenes {
				scenes = append(scenes, Scene{
					Title:  strings.TrimSpace(sc.Title),
					Text:   strings.TrimSpace(sc.Text),
					Visual: strings.TrimSpace(sc.Visual),
				})
			}
		case errors.IsCancelled(err):
			return err
		default:
			log.Warn("script generation failed, using outline", "error", err.Error())
			pc.Warn("script generation unavailable, using an outline of the brief")
		}
	} else {
		pc.Warn("no script provider configured, using an outline of the brief")
	}
	if err := cancelled(ctx, "stage.script"); err != nil {
		return err
	}

	if len(scenes) == 0 {
		scenes = Outline(pc.Brief)
	}
	Time(scenes, target)

	texts := make([]string, len(scenes))
	for i, sc := range scenes {
		texts[i] = sc.Text
	}
	pc.Scenes = scenes
	pc.Script = strings.Join(texts, "\n\n")

	sink.Report(Progress{Percent: 100, Status: fmt.Sprintf("%d scenes", len(scenes))})
	return nil
}

// parse validates the reply against the schema. An invalid reply is
// non-retryable for that provider so the chain moves on.
func (s *ScriptStage) parse(text string, out *scriptReply) error {
	raw := extractJSON(text)
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return errors.WrapWithCode(err, errors.CodeNonRetryable, "stage.script", "script reply is not JSON")
	}
	if err := s.schema.Validate(doc); err != nil {
		return errors.WrapWithCode(err, errors.CodeNonRetryable, "stage.script", "script reply does not match the schema")
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return errors.WrapWithCode(err, errors.CodeNonRetryable, "stage.script", "script reply has unexpected types")
	}
	for _, sc := range out.Scenes {
		if strings.TrimSpace(sc.Text) == "" {
			return errors.New(errors.CodeNonRetryable, "script reply has a blank scene")
		}
	}
	return nil
}

// extractJSON strips code fences and surrounding prose.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return strings.TrimSpace(s)
	}
	return s[start : end+1]
}

func scriptPrompt(b jobs.Brief) string {
	target := b.TargetDuration()
	var p strings.Builder
	fmt.Fprintf(&p, "Write a narrated video script of about %d words (%s of narration)", int(target.Seconds()*wordsPerSecond), target)
	fmt.Fprintf(&p, " split into %d scenes.\n", sceneCount(target))
	if b.Topic != "" {
		fmt.Fprintf(&p, "Topic: %s\n", b.Topic)
	}
	if b.Audience != "" {
		fmt.Fprintf(&p, "Audience: %s\n", b.Audience)
	}
	if b.Tone != "" {
		fmt.Fprintf(&p, "Tone: %s\n", b.Tone)
	}
	fmt.Fprintf(&p, "Language: %s\n", b.Language)
	if b.Text != "" {
		fmt.Fprintf(&p, "Notes:\n%s\n", b.Text)
	}
	return p.String()
}

func sceneCount(target time.Duration) int {
	n := int(math.Ceil(target.Seconds() / secondsPerScene))
	return min(max(n, 1), maxOutlineScenes)
}

// Outline builds scenes from the brief alone. Free text is split into
// sentences and grouped; a bare topic becomes an intro, body and summary.
func Outline(b jobs.Brief) []Scene {
	want := sceneCount(b.TargetDuration())
	sentences := splitSentences(b.Text)

	if len(sentences) == 0 {
		topic := b.Topic
		if topic == "" {
			topic = "this topic"
		}
		parts := []Scene{
			{Title: "Introduction", Text: fmt.Sprintf("Let's talk about %s.", topic), Visual: topic},
			{Title: "Key ideas", Text: fmt.Sprintf("Here is what matters most about %s.", topic), Visual: topic + ", key ideas"},
			{Title: "Summary", Text: fmt.Sprintf("That is %s in a nutshell.", topic), Visual: topic + ", summary"},
		}
		switch want {
		case 1:
			parts = parts[:1]
		case 2:
			parts = []Scene{parts[0], parts[2]}
		}
		return parts
	}

	n := min(want, len(sentences))
	scenes := make([]Scene, n)
	for i, s := range sentences {
		// contiguous groups of near-equal size
		k := i * n / len(sentences)
		if scenes[k].Text != "" {
			scenes[k].Text += " "
		}
		scenes[k].Text += s
	}
	for i := range scenes {
		scenes[i].Title = fmt.Sprintf("Part %d", i+1)
		scenes[i].Visual = firstWords(scenes[i].Text, 12)
	}
	if b.Topic != "" {
		scenes[0].Title = b.Topic
	}
	return scenes
}

func splitSentences(text string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, r := range text {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			flush()
		}
	}
	flush()
	return out
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

func wordCount(s string) int {
	return len(strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	}))
}

// Time assigns indices, offsets and durations. Durations are proportional to
// the word count of each scene, offsets are contiguous and the total is
// exactly target.
func Time(scenes []Scene, target time.Duration) {
	if len(scenes) == 0 {
		return
	}
	weights := make([]int, len(scenes))
	sum := 0
	for i, s := range scenes {
		weights[i] = max(wordCount(s.Text), 1)
		sum += weights[i]
	}

	var start time.Duration
	for i := range scenes {
		d := time.Duration(float64(target) * float64(weights[i]) / float64(sum)).Round(time.Millisecond)
		if i == len(scenes)-1 {
			d = target - start
		}
		scenes[i].Index = i
		scenes[i].Start = start
		scenes[i].Duration = d
		start += d
	}
}
