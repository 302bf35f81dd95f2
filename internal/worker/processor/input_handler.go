package processor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"avs/internal/pipeline"
	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
	"avs/internal/ports"
)

// InputHandler downloads the assets a brief supplies per scene.
type InputHandler struct {
	sp  ports.StorageProvider
	log *logger.Logger
}

func NewInputHandler(sp ports.StorageProvider, log *logger.Logger) *InputHandler {
	return &InputHandler{sp: sp, log: log}
}

// Materialize copies every supplied object into the job's inputs dir and
// records the local paths on pc.Supplied. A failed download is a warning:
// the visuals stage generates something for that scene instead. Only
// cancellation is returned.
func (ih *InputHandler) Materialize(ctx context.Context, pc *pipeline.Context) error {
	if len(pc.Brief.SceneAssets) == 0 {
		return nil
	}
	if ih.sp == nil {
		pc.Warn("scene assets were supplied but no storage provider is configured")
		return nil
	}

	baseDir := filepath.Join(pc.WorkDir, "inputs")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return errors.FatalEnvironment("failed to create inputs directory", err)
	}

	idx := make([]int, 0, len(pc.Brief.SceneAssets))
	for i := range pc.Brief.SceneAssets {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	pc.Supplied = make(map[int][]string)
	for _, scene := range idx {
		for n, key := range pc.Brief.SceneAssets[scene] {
			if err := ctx.Err(); err != nil {
				return errors.WrapWithCode(err, errors.CodeCancelled, "processor.inputs", "job cancelled")
			}
			key = strings.TrimSpace(key)
			name := fmt.Sprintf("scene-%02d-%d", scene, n)
			local, err := ih.materializeInput(ctx, baseDir, name, key)
			if err != nil {
				ih.log.FromContext(ctx).Warn("input download failed", "scene", scene, "object_key", key, "error", err.Error())
				pc.Warn(fmt.Sprintf("scene %d: supplied asset %s could not be downloaded", scene+1, key))
				continue
			}
			pc.Supplied[scene] = append(pc.Supplied[scene], local)
		}
	}
	return nil
}

func (ih *InputHandler) materializeInput(ctx context.Context, baseDir, name, objectKey string) (string, error) {
	rc, contentType, _, err := ih.sp.GetObject(ctx, objectKey)
	if err != nil {
		return "", errors.Wrapf(err, "processor.inputs", "download input failed object_key=%s", objectKey)
	}
	defer rc.Close()

	localPath := filepath.Join(baseDir, SanitizeFilename(name)+extFor(objectKey, contentType))
	if err := saveToLocal(localPath, rc); err != nil {
		return "", errors.Wrapf(err, "processor.inputs", "failed to save input locally object_key=%s", objectKey)
	}
	return localPath, nil
}

func saveToLocal(localPath string, r io.Reader) error {
	f, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(localPath)
		return err
	}
	return f.Close()
}
