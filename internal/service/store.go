package service

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Technologic101/resonance-detector-sub000/internal/audio"
	"github.com/Technologic101/resonance-detector-sub000/internal/dsp"
	"gopkg.in/yaml.v3"
)

// Store persists finished recordings: the encoded blob next to a YAML
// analysis sidecar. The capture layer never touches the filesystem; this is
// the only component that does.
type Store struct {
	dir string
}

// NewStore creates the output directory if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// StoredRecording describes one persisted recording on disk.
type StoredRecording struct {
	Name         string    `json:"name" yaml:"name"`
	Path         string    `json:"path" yaml:"path"`
	AnalysisPath string    `json:"analysis_path,omitempty" yaml:"analysis_path,omitempty"`
	Size         int64     `json:"size" yaml:"size"`
	SizeHuman    string    `json:"size_human" yaml:"size_human"`
	ModTime      time.Time `json:"mod_time" yaml:"mod_time"`
}

// analysisSidecar is the YAML document written next to each recording.
type analysisSidecar struct {
	Recording  string            `yaml:"recording"`
	MIMEType   string            `yaml:"mime_type"`
	Duration   string            `yaml:"duration"`
	CapturedAt time.Time         `yaml:"captured_at"`
	Analysis   dsp.AudioAnalysis `yaml:"analysis"`
}

// Save writes the blob and its analysis sidecar under a timestamped name
// derived from label. Returns the stored recording's metadata.
func (s *Store) Save(label string, result *audio.RecordingResult) (*StoredRecording, error) {
	if result == nil || len(result.Blob) == 0 {
		return nil, fmt.Errorf("nothing to save: empty recording")
	}

	name := cleanFileName(label)
	if name == "" {
		name = "recording"
	}
	base := fmt.Sprintf("%s-%s", name, time.Now().Format("20060102-150405"))
	blobPath := filepath.Join(s.dir, base+extensionFor(result.MIMEType))

	if err := os.WriteFile(blobPath, result.Blob, 0644); err != nil {
		return nil, fmt.Errorf("failed to write recording: %w", err)
	}

	sidecarPath := filepath.Join(s.dir, base+".analysis.yaml")
	sidecar := analysisSidecar{
		Recording:  filepath.Base(blobPath),
		MIMEType:   result.MIMEType,
		Duration:   result.Duration.String(),
		CapturedAt: time.Now(),
		Analysis:   result.Analysis,
	}
	data, err := yaml.Marshal(&sidecar)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analysis: %w", err)
	}
	if err := os.WriteFile(sidecarPath, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write analysis sidecar: %w", err)
	}

	info, err := os.Stat(blobPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat recording: %w", err)
	}

	slog.Info("recording saved", "path", blobPath, "size", formatBytes(info.Size()))

	return &StoredRecording{
		Name:         filepath.Base(blobPath),
		Path:         blobPath,
		AnalysisPath: sidecarPath,
		Size:         info.Size(),
		SizeHuman:    formatBytes(info.Size()),
		ModTime:      info.ModTime(),
	}, nil
}

// List returns the stored recordings, newest first.
func (s *Store) List() ([]StoredRecording, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	supportedExts := map[string]bool{
		".wav": true,
		".pcm": true,
	}

	var recordings []StoredRecording
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(file.Name()))
		if !supportedExts[ext] {
			continue
		}

		info, err := file.Info()
		if err != nil {
			slog.Warn("failed to stat recording", "file", file.Name(), "error", err)
			continue
		}

		rec := StoredRecording{
			Name:      file.Name(),
			Path:      filepath.Join(s.dir, file.Name()),
			Size:      info.Size(),
			SizeHuman: formatBytes(info.Size()),
			ModTime:   info.ModTime(),
		}
		sidecar := strings.TrimSuffix(rec.Path, ext) + ".analysis.yaml"
		if _, err := os.Stat(sidecar); err == nil {
			rec.AnalysisPath = sidecar
		}
		recordings = append(recordings, rec)
	}

	sort.Slice(recordings, func(i, j int) bool {
		return recordings[i].ModTime.After(recordings[j].ModTime)
	})
	return recordings, nil
}

// LoadAnalysis reads a recording's analysis sidecar.
func (s *Store) LoadAnalysis(recordingName string) (*dsp.AudioAnalysis, error) {
	ext := filepath.Ext(recordingName)
	sidecarPath := filepath.Join(s.dir, strings.TrimSuffix(recordingName, ext)+".analysis.yaml")

	data, err := os.ReadFile(sidecarPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read analysis sidecar: %w", err)
	}
	var sidecar analysisSidecar
	if err := yaml.Unmarshal(data, &sidecar); err != nil {
		return nil, fmt.Errorf("failed to parse analysis sidecar: %w", err)
	}
	return &sidecar.Analysis, nil
}

func cleanFileName(name string) string {
	var result strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == ' ' || r == '-' {
			result.WriteRune(r)
		}
	}
	return strings.ReplaceAll(strings.TrimSpace(result.String()), " ", "_")
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "audio/wav":
		return ".wav"
	case "audio/pcm":
		return ".pcm"
	default:
		return ".bin"
	}
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
