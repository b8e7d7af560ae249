// Package protocol implements the newline-delimited JSON envelope spoken
// over the sidecar's stdin/stdout channel. One request line in, exactly
// one response line out; every response carries a success flag.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Recognized request actions.
const (
	ActionTranscribe = "transcribe"
	ActionStatus     = "status"
	ActionStats      = "stats"
	ActionCleanup    = "cleanup"
	ActionExit       = "exit"
)

// Error taxonomy carried in the type field of failure responses.
const (
	TypeImportError         = "import_error"
	TypeInitError           = "init_error"
	TypeModelsNotDownloaded = "models_not_downloaded"
	TypeTranscriptionError  = "transcription_error"
)

// Command is one request read from the input stream.
type Command struct {
	Action    string         `json:"action"`
	AudioPath string         `json:"audio_path,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// ParseCommand decodes a single request line.
func ParseCommand(line []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return Command{}, fmt.Errorf("invalid JSON")
	}
	return cmd, nil
}

// Result is the generic response envelope for initialization, cleanup,
// exit and error outcomes.
type Result struct {
	Success       bool     `json:"success"`
	Message       string   `json:"message,omitempty"`
	Error         string   `json:"error,omitempty"`
	Type          string   `json:"type,omitempty"`
	Engine        string   `json:"engine,omitempty"`
	ModelLoaded   bool     `json:"model_loaded,omitempty"`
	MissingModels []string `json:"missing_models,omitempty"`
	Trace         string   `json:"trace,omitempty"`
}

// Failure builds an error result of the given taxonomy type.
func Failure(errType, format string, args ...any) Result {
	return Result{
		Success: false,
		Error:   fmt.Sprintf(format, args...),
		Type:    errType,
	}
}

// Transcription is the response to a transcribe request.
type Transcription struct {
	Success    bool    `json:"success"`
	Text       string  `json:"text"`
	RawText    string  `json:"raw_text"`
	Confidence float64 `json:"confidence"`
	Duration   float64 `json:"duration"`
	Language   string  `json:"language"`
	ModelType  string  `json:"model_type"`
	Error      string  `json:"error,omitempty"`
	Type       string  `json:"type,omitempty"`
}

// ModelsLoaded reports per-sub-model load state.
type ModelsLoaded struct {
	ASR  bool `json:"asr"`
	VAD  bool `json:"vad"`
	Punc bool `json:"punc"`
}

// Status is the response to a status request.
type Status struct {
	Success     bool         `json:"success"`
	Installed   bool         `json:"installed"`
	Initialized bool         `json:"initialized"`
	Version     string       `json:"version,omitempty"`
	Engine      string       `json:"engine,omitempty"`
	ModelLoaded bool         `json:"model_loaded"`
	Models      ModelsLoaded `json:"models"`
	Device      string       `json:"device,omitempty"`
	GPUName     string       `json:"gpu_name,omitempty"`
	GPUMemoryGB float64      `json:"gpu_memory_gb,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// Stats is the response to a stats request.
type Stats struct {
	Success            bool         `json:"success"`
	TranscriptionCount int          `json:"transcription_count"`
	TotalAudioDuration float64      `json:"total_audio_duration"`
	AverageDuration    float64      `json:"average_duration"`
	Initialized        bool         `json:"initialized"`
	Engine             string       `json:"engine"`
	ModelsLoaded       ModelsLoaded `json:"models_loaded"`
}

// ErrorOf extracts the error text from any response value, or "".
func ErrorOf(v any) string {
	switch r := v.(type) {
	case Result:
		return r.Error
	case Transcription:
		return r.Error
	case Status:
		return r.Error
	default:
		return ""
	}
}

// TrimAction normalizes an action name for dispatch.
func TrimAction(action string) string {
	return strings.ToLower(strings.TrimSpace(action))
}
