package main

import (
	"encoding/json"
	"time"

	"github.com/jackzampolin/folio/internal/pipeline"
	"github.com/jackzampolin/folio/internal/status"
)

type resultView struct {
	JobKey         string   `json:"job_key" yaml:"job_key"`
	ArtifactFolder string   `json:"artifact_folder" yaml:"artifact_folder"`
	TotalPages     int      `json:"total_pages" yaml:"total_pages"`
	Source         string   `json:"source" yaml:"source"`
	FailedChunks   []string `json:"failed_chunks,omitempty" yaml:"failed_chunks,omitempty"`
	RetryCount     int      `json:"retry_count" yaml:"retry_count"`
}

func newResultView(res *pipeline.Result) resultView {
	v := resultView{
		JobKey:         res.JobKey,
		ArtifactFolder: res.ArtifactFolder,
		Source:         res.Source,
		FailedChunks:   res.FailedChunks,
	}
	if res.Manifest != nil {
		v.TotalPages = res.Manifest.TotalPages
	}
	if res.Record != nil {
		v.RetryCount = res.Record.RetryCount
	}
	return v
}

type recordView struct {
	JobKey          string    `json:"job_key" yaml:"job_key"`
	Status          string    `json:"status" yaml:"status"`
	TotalUnits      int       `json:"total_units" yaml:"total_units"`
	UnitChunkSize   int       `json:"unit_chunk_size" yaml:"unit_chunk_size"`
	CompletedChunks []string  `json:"completed_chunks" yaml:"completed_chunks"`
	FailedChunks    []string  `json:"failed_chunks,omitempty" yaml:"failed_chunks,omitempty"`
	RetryCount      int       `json:"retry_count" yaml:"retry_count"`
	Error           string    `json:"error,omitempty" yaml:"error,omitempty"`
	ArtifactFolder  string    `json:"artifact_folder,omitempty" yaml:"artifact_folder,omitempty"`
	Committed       bool      `json:"committed" yaml:"committed"`
	CommittedPages  int       `json:"committed_pages,omitempty" yaml:"committed_pages,omitempty"`
	UpdatedAt       time.Time `json:"updated_at" yaml:"updated_at"`
}

func newRecordView(rec *status.Record, manifest *pipeline.Manifest) recordView {
	v := recordView{
		JobKey:          rec.JobKey,
		Status:          string(rec.Status),
		TotalUnits:      rec.TotalUnits,
		UnitChunkSize:   rec.UnitChunkSize,
		CompletedChunks: rec.CompletedChunks,
		FailedChunks:    rec.FailedChunks,
		RetryCount:      rec.RetryCount,
		Error:           rec.Error,
		ArtifactFolder:  rec.ArtifactFolder,
		UpdatedAt:       rec.UpdatedAt,
	}
	if manifest != nil {
		v.Committed = true
		v.CommittedPages = manifest.TotalPages
	}
	return v
}

// asMap re-reads v through its json tags so yaml output uses the same keys.
func asMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
