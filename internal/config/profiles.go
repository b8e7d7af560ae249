package config

import "fmt"

// Engine identifiers.
const (
	EngineSenseVoice = "sensevoice"
	EngineWhisper    = "whisper"
)

// Model type tags used in download progress events.
const (
	ModelTypeASR  = "asr"
	ModelTypeVAD  = "vad"
	ModelTypePunc = "punc"
)

// ModelRepo identifies one required weight artifact set on the hub.
type ModelRepo struct {
	Name             string // "organization/name"
	Type             string // asr, vad or punc
	Revision         string // optional version pin
	FallbackName     string // optional fallback repository
	FallbackRevision string // optional pin for the fallback repository
}

// DecodeOptions are the fixed per-engine inference parameters. They are
// configuration, not user input, and are passed opaquely to the runner.
type DecodeOptions struct {
	Language            string
	UseITN              bool
	BatchSizeSeconds    int
	MergeVAD            bool
	MergeLengthSeconds  int
	MaxSegmentMS        int
	InitialPrompt       string
	ConditionOnPrevious bool
	VADFilter           bool
	VADMinSilenceMS     int
}

// Profile is the complete fixed description of one selectable engine:
// which repositories it needs, how to load and decode, and which
// post-processing and device probes apply.
type Profile struct {
	Engine          string
	ModelType       string // value of the model_type field in results
	DefaultRunner   string // runner binary looked up on PATH
	Repos           []ModelRepo
	Decode          DecodeOptions
	StripRichTags   bool   // strip inline <|lang|>/<|emotion|> tags from transcripts
	DefaultLanguage string // reported when the runner detects none
	ProbeCT2        bool   // consult the CTranslate2 runtime's own CUDA query first
}

// RepoNames returns the repository identifiers required by the profile.
func (p Profile) RepoNames() []string {
	names := make([]string, 0, len(p.Repos))
	for _, r := range p.Repos {
		names = append(names, r.Name)
	}
	return names
}

// HasPinnedRepos reports whether any repository carries a version pin.
func (p Profile) HasPinnedRepos() bool {
	for _, r := range p.Repos {
		if r.Revision != "" {
			return true
		}
	}
	return false
}

// WithoutPins returns a copy of the profile with all version pins cleared.
func (p Profile) WithoutPins() Profile {
	repos := make([]ModelRepo, len(p.Repos))
	copy(repos, p.Repos)
	for i := range repos {
		repos[i].Revision = ""
	}
	p.Repos = repos
	return p
}

// SenseVoiceProfile returns the combined acoustic+VAD engine profile.
// SenseVoiceSmall has built-in ITN punctuation; fsmn-vad segments speech.
func SenseVoiceProfile() Profile {
	return Profile{
		Engine:        EngineSenseVoice,
		ModelType:     "pytorch",
		DefaultRunner: "sensevoice-runner",
		Repos: []ModelRepo{
			{Name: "FunAudioLLM/SenseVoiceSmall", Type: ModelTypeASR},
			{Name: "funasr/fsmn-vad", Type: ModelTypeVAD, Revision: "v2.0.4"},
		},
		Decode: DecodeOptions{
			Language:           "auto",
			UseITN:             true,
			BatchSizeSeconds:   60,
			MergeVAD:           true,
			MergeLengthSeconds: 15,
			MaxSegmentMS:       30000,
		},
		StripRichTags:   true,
		DefaultLanguage: "zh-CN",
	}
}

// WhisperProfile returns the end-to-end whisper engine profile with
// built-in Silero VAD and punctuation.
func WhisperProfile() Profile {
	return Profile{
		Engine:        EngineWhisper,
		ModelType:     "ctranslate2",
		DefaultRunner: "fasterwhisper-runner",
		Repos: []ModelRepo{
			{Name: "deepdml/faster-whisper-large-v3-turbo-ct2", Type: ModelTypeASR},
		},
		Decode: DecodeOptions{
			Language:            "auto",
			InitialPrompt:       "Hello, welcome. 你好，欢迎。",
			ConditionOnPrevious: false,
			VADFilter:           true,
			VADMinSilenceMS:     500,
		},
		DefaultLanguage: "unknown",
		ProbeCT2:        true,
	}
}

// ProfileFor returns the profile for an engine identifier.
func ProfileFor(engine string) (Profile, error) {
	switch engine {
	case EngineSenseVoice:
		return SenseVoiceProfile(), nil
	case EngineWhisper:
		return WhisperProfile(), nil
	default:
		return Profile{}, fmt.Errorf("unknown engine %q", engine)
	}
}
