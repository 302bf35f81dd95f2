package processor

import (
	"context"
	"os"
	"path/filepath"

	"avs/internal/pipeline"
	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
	"avs/internal/ports"
)

// OutputHandler publishes a finished render to the storage provider.
type OutputHandler struct {
	sp  ports.StorageProvider
	log *logger.Logger
}

func NewOutputHandler(sp ports.StorageProvider, log *logger.Logger) *OutputHandler {
	return &OutputHandler{sp: sp, log: log}
}

// Publish uploads the video and its render spec. It returns the video's
// object key, or "" when nothing was published. Failures are recorded as
// warnings: the local output is already final.
func (oh *OutputHandler) Publish(ctx context.Context, pc *pipeline.Context) string {
	if oh.sp == nil {
		return ""
	}
	log := oh.log.FromContext(ctx)
	keys := GenerateOutputKeys(pc.JobID)

	key, size, err := oh.put(ctx, keys.Video, "video/mp4", pc.OutputPath)
	if err != nil {
		log.Warn("publish failed", "provider", oh.sp.Provider(), "error", err.Error())
		pc.Warn("the video could not be published to " + oh.sp.Provider() + " storage")
		return ""
	}
	log.Info("output published", "provider", oh.sp.Provider(), "object_key", key, "size_bytes", size)

	spec := filepath.Join(pc.WorkDir, "render.json")
	if _, _, err := oh.put(ctx, keys.Spec, "application/json", spec); err != nil {
		log.Debug("render spec not published", "error", err.Error())
	}
	return key
}

func (oh *OutputHandler) put(ctx context.Context, objectKey, mime, localPath string) (string, int64, error) {
	st, err := os.Stat(localPath)
	if err != nil {
		return "", 0, errors.Wrap(err, "processor.publish", "output file not found")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", 0, errors.Wrap(err, "processor.publish", "failed to open output")
	}
	defer f.Close()

	res, err := oh.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   objectKey,
		ContentType: mime,
		Reader:      f,
		Size:        st.Size(),
	})
	if err != nil {
		return "", 0, errors.Wrap(err, "processor.publish", "failed to upload output")
	}
	return res.ObjectKey, res.Size, nil
}
