package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"
)

const (
	manifestFilename = "manifest.json"
	inputDir         = "in"
)

// Manifest はジョブ入力のメタデータです。
type Manifest struct {
	JobID        string    `json:"jobId"`
	Fingerprint  string    `json:"fingerprint"`
	OriginalName string    `json:"originalName"`
	StoredName   string    `json:"storedName"`
	DrawingName  string    `json:"drawingName,omitempty"`
	Format       string    `json:"format"`
	Ext          string    `json:"ext"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Workspace はジョブ単位の入力ファイルとマニフェストを扱います。
type Workspace struct {
	store *Local
}

// NewWorkspace は Local を使う Workspace を作成します。
func NewWorkspace(store *Local) *Workspace {
	return &Workspace{store: store}
}

// SaveInput は入力ファイルとマニフェストを書き込みます。
func (w *Workspace) SaveInput(ctx context.Context, manifest *Manifest, content []byte) error {
	if manifest == nil {
		return fmt.Errorf("manifest is nil")
	}
	if manifest.StoredName == "" {
		manifest.StoredName = "source" + manifest.Ext
	}
	manifest.Size = int64(len(content))
	if manifest.CreatedAt.IsZero() {
		manifest.CreatedAt = time.Now().UTC()
	}
	if err := w.store.Save(ctx, path.Join(manifest.JobID, inputDir, manifest.StoredName), content); err != nil {
		return fmt.Errorf("failed to store input: %w", err)
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := w.store.Save(ctx, path.Join(manifest.JobID, manifestFilename), data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// LoadInput はマニフェストと入力ファイルを読み込みます。
func (w *Workspace) LoadInput(ctx context.Context, jobID string) (*Manifest, []byte, error) {
	data, err := w.store.Load(ctx, path.Join(jobID, manifestFilename))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	content, err := w.store.Load(ctx, path.Join(jobID, inputDir, manifest.StoredName))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read input: %w", err)
	}
	return &manifest, content, nil
}

// Remove はジョブの作業領域を削除します。
func (w *Workspace) Remove(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	return w.store.Delete(ctx, jobID)
}
