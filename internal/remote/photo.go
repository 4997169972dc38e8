package remote

import (
	"bytes"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
)

const photoJPEGQuality = 85

// photoBody is the file part of a photo upload.
type photoBody struct {
	r           io.Reader
	contentType string
	filename    string
}

// preparePhoto sniffs the photo type and, when maxDim is positive, downscales
// JPEG and PNG photos whose longer side exceeds maxDim. Downscaled photos are
// re-encoded as JPEG. Anything that cannot be decoded is sent unchanged.
func (c *HTTPClient) preparePhoto(f *os.File, maxDim int) (photoBody, error) {
	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return photoBody{}, apperrors.Wrap(apperrors.ErrInternal, "detect photo type", err)
	}
	if err := rewind(f); err != nil {
		return photoBody{}, err
	}
	original := photoBody{r: f, contentType: mtype.String(), filename: filepath.Base(f.Name())}

	if maxDim <= 0 || !(mtype.Is("image/jpeg") || mtype.Is("image/png")) {
		return original, nil
	}

	cfg, _, err := image.DecodeConfig(f)
	if rerr := rewind(f); rerr != nil {
		return photoBody{}, rerr
	}
	if err != nil {
		c.logger.Warn("photo header unreadable, uploading original", map[string]interface{}{"file": original.filename, "error": err.Error()})
		return original, nil
	}
	if cfg.Width <= maxDim && cfg.Height <= maxDim {
		return original, nil
	}

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if rerr := rewind(f); rerr != nil {
		return photoBody{}, rerr
	}
	if err != nil {
		c.logger.Warn("photo undecodable, uploading original", map[string]interface{}{"file": original.filename, "error": err.Error()})
		return original, nil
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.Fit(img, maxDim, maxDim, imaging.Lanczos), imaging.JPEG, imaging.JPEGQuality(photoJPEGQuality)); err != nil {
		return photoBody{}, apperrors.Wrap(apperrors.ErrInternal, "encode resized photo", err)
	}

	c.logger.Debug("photo downscaled", map[string]interface{}{
		"file":  original.filename,
		"from":  []int{cfg.Width, cfg.Height},
		"max":   maxDim,
		"bytes": buf.Len(),
	})
	name := strings.TrimSuffix(original.filename, filepath.Ext(original.filename)) + ".jpg"
	return photoBody{r: &buf, contentType: "image/jpeg", filename: name}, nil
}

func rewind(f *os.File) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "rewind photo", err)
	}
	return nil
}
