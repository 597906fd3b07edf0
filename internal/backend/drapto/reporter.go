package drapto

import (
	"log/slog"
	"strings"
	"sync"

	draptolib "github.com/five82/drapto"

	"transmute/internal/logging"
)

// logReporter adapts the Drapto Reporter interface to structured logging.
// Progress is sampled so long encodes log once per bucket.
type logReporter struct {
	logger  *slog.Logger
	sampler *logging.ProgressSampler

	mu     sync.Mutex
	failed bool
}

func newLogReporter(logger *slog.Logger) *logReporter {
	return &logReporter{logger: logger, sampler: logging.NewProgressSampler(10)}
}

func (r *logReporter) validationFailed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

func (r *logReporter) Hardware(s draptolib.HardwareSummary) {
	if host := strings.TrimSpace(s.Hostname); host != "" {
		r.logger.Debug("drapto hardware info", logging.String("hardware_hostname", host))
	}
}

func (r *logReporter) Initialization(s draptolib.InitializationSummary) {
	r.logger.Debug("drapto video info",
		logging.String("video_file", strings.TrimSpace(s.InputFile)),
		logging.String("video_output", strings.TrimSpace(s.OutputFile)),
		logging.String("video_duration", strings.TrimSpace(s.Duration)),
		logging.Any("video_resolution", s.Resolution),
		logging.String("video_dynamic_range", strings.TrimSpace(s.DynamicRange)),
	)
}

func (r *logReporter) StageProgress(s draptolib.StageProgress) {
	percent := float64(s.Percent)
	if !r.sampler.ShouldLog(percent, s.Stage) {
		return
	}
	r.logger.Info("drapto stage progress",
		logging.String("stage", s.Stage),
		logging.Float64("percent", percent),
		logging.String("stage_message", strings.TrimSpace(s.Message)),
	)
}

func (r *logReporter) CropResult(s draptolib.CropSummary) {
	status := "no crop required"
	if s.Disabled {
		status = "auto-crop disabled"
	} else if s.Required {
		status = "crop applied"
	}
	r.logger.Debug("drapto crop detection",
		logging.String("crop_status", status),
		logging.String("crop_params", strings.TrimSpace(s.Crop)),
		logging.Int("crop_candidates", len(s.Candidates)),
	)
}

func (r *logReporter) EncodingConfig(s draptolib.EncodingConfigSummary) {
	r.logger.Debug("drapto encoding config",
		logging.String("encoding_encoder", strings.TrimSpace(s.Encoder)),
		logging.String("encoding_preset", strings.TrimSpace(s.Preset)),
		logging.String("encoding_quality", strings.TrimSpace(s.Quality)),
		logging.String("encoding_audio_codec", strings.TrimSpace(s.AudioCodec)),
	)
}

func (r *logReporter) EncodingStarted(totalFrames uint64) {
	r.sampler.Reset()
	r.logger.Debug("drapto encoding started", logging.Uint64("encoding_total_frames", totalFrames))
}

func (r *logReporter) EncodingProgress(s draptolib.ProgressSnapshot) {
	percent := float64(s.Percent)
	if !r.sampler.ShouldLog(percent, "encoding") {
		return
	}
	r.logger.Info("drapto encoding progress",
		logging.Float64("percent", percent),
		logging.Float64("speed", float64(s.Speed)),
		logging.Float64("fps", float64(s.FPS)),
		logging.Any("eta", s.ETA),
	)
}

func (r *logReporter) ValidationComplete(s draptolib.ValidationSummary) {
	if s.Passed {
		r.logger.Debug("drapto validation", logging.String("validation_status", "passed"))
		return
	}
	failed := 0
	for _, step := range s.Steps {
		if !step.Passed {
			failed++
		}
	}
	r.mu.Lock()
	r.failed = true
	r.mu.Unlock()
	logging.WarnWithContext(r.logger, "drapto validation failed", "validation_failed",
		logging.Int("failed_steps", failed),
		logging.Int("total_steps", len(s.Steps)),
		logging.String(logging.FieldErrorHint, "inspect the drapto validation steps in debug logs"),
	)
}

func (r *logReporter) EncodingComplete(s draptolib.EncodingOutcome) {
	r.logger.Info("drapto encoding complete",
		logging.Int64("input_bytes", int64(s.OriginalSize)),
		logging.Int64("output_bytes", int64(s.EncodedSize)),
		logging.Any("encode_time", s.TotalTime),
	)
}

func (r *logReporter) Warning(message string) {
	logging.WarnWithContext(r.logger, "drapto warning", "drapto_warning",
		logging.String("drapto_message", strings.TrimSpace(message)),
		logging.String(logging.FieldErrorHint, "review the drapto warning"),
	)
}

func (r *logReporter) Error(e draptolib.ReporterError) {
	logging.WarnWithContext(r.logger, "drapto error", "drapto_error",
		logging.String("drapto_title", strings.TrimSpace(e.Title)),
		logging.String("drapto_message", strings.TrimSpace(e.Message)),
		logging.String(logging.FieldErrorHint, strings.TrimSpace(e.Suggestion)),
	)
}

func (r *logReporter) OperationComplete(message string) {
	r.logger.Debug("drapto operation complete", logging.String("drapto_message", strings.TrimSpace(message)))
}

func (r *logReporter) BatchStarted(draptolib.BatchStartInfo)      {}
func (r *logReporter) FileProgress(draptolib.FileProgressContext) {}
func (r *logReporter) BatchComplete(draptolib.BatchSummary)       {}

var _ draptolib.Reporter = (*logReporter)(nil)
