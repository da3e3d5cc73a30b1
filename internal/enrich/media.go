package enrich

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif" // register decoders
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/tiff"

	"github.com/ajslaghu/open-agenda-api/internal/extract"
)

// Task names of the built-in tasks.
const (
	TaskMediaType     = "media_type"
	TaskImageMetadata = "image_metadata"
	TaskVideoMetadata = "video_metadata"
	TaskHTMLText      = "html_text"
	TaskOCRText       = "ocr_text"
)

// UnknownMediaType is recorded for content types outside the media table.
const UnknownMediaType = "unknown"

var (
	videoContentTypes = []string{"video/ogg", "video/mp2t", "video/mpeg", "video/mp4", "video/webm"}
	imageContentTypes = []string{"image/jpeg", "image/png", "image/tiff"}
)

var mediaTypeTable = func() map[string]string {
	table := make(map[string]string)
	for _, ct := range videoContentTypes {
		table[ct] = "video"
	}
	for _, ct := range imageContentTypes {
		table[ct] = "image"
	}
	return table
}()

// MediaTypeTask classifies every object as video, image or unknown.
func MediaTypeTask() Task {
	return Task{
		Name:         TaskMediaType,
		ContentTypes: AnyContentType(),
		Transform: func(_ context.Context, obj extract.RawObject, rec *Record) (Outcome, error) {
			mediaType, ok := mediaTypeTable[obj.ContentType]
			if !ok {
				mediaType = UnknownMediaType
			}
			rec.Set("media_type", mediaType)
			return Applied, nil
		},
	}
}

// Resolution describes image dimensions.
type Resolution struct {
	Width       int `json:"width"`
	Height      int `json:"height"`
	TotalPixels int `json:"total_pixels"`
}

// ImageMetadataTask records format, color mode and resolution from the image header.
func ImageMetadataTask() Task {
	return Task{
		Name:         TaskImageMetadata,
		ContentTypes: OnlyContentTypes(imageContentTypes...),
		Transform: func(_ context.Context, obj extract.RawObject, rec *Record) (Outcome, error) {
			cfg, format, err := image.DecodeConfig(bytes.NewReader(obj.Payload))
			if err != nil {
				return Declined, fmt.Errorf("decode image header: %w", err)
			}
			rec.Set("image_format", strings.ToUpper(format))
			rec.Set("image_mode", colorModeName(cfg.ColorModel))
			rec.Set("resolution", Resolution{
				Width:       cfg.Width,
				Height:      cfg.Height,
				TotalPixels: cfg.Width * cfg.Height,
			})
			return Applied, nil
		},
	}
}

// VideoMetadataTask records the container format of video objects.
func VideoMetadataTask() Task {
	return Task{
		Name:         TaskVideoMetadata,
		ContentTypes: OnlyContentTypes(videoContentTypes...),
		Transform: func(_ context.Context, obj extract.RawObject, rec *Record) (Outcome, error) {
			_, subtype, _ := strings.Cut(obj.ContentType, "/")
			rec.Set("video_format", strings.ToUpper(subtype))
			return Applied, nil
		},
	}
}
