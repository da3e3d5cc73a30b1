package enrich

import "fmt"

// DefaultTaskOrder is the dispatch order used when no task list is configured.
var DefaultTaskOrder = []string{
	TaskMediaType,
	TaskImageMetadata,
	TaskVideoMetadata,
	TaskHTMLText,
	TaskOCRText,
}

// BuildTasks resolves task names, in the given order, to built-in tasks.
// An empty list yields DefaultTaskOrder.
func BuildTasks(names []string, ocr OCRConfig) ([]Task, error) {
	if len(names) == 0 {
		names = DefaultTaskOrder
	}
	tasks := make([]Task, 0, len(names))
	for _, name := range names {
		switch name {
		case TaskMediaType:
			tasks = append(tasks, MediaTypeTask())
		case TaskImageMetadata:
			tasks = append(tasks, ImageMetadataTask())
		case TaskVideoMetadata:
			tasks = append(tasks, VideoMetadataTask())
		case TaskHTMLText:
			tasks = append(tasks, HTMLTextTask())
		case TaskOCRText:
			tasks = append(tasks, OCRTextTask(ocr))
		default:
			return nil, fmt.Errorf("unknown enrichment task %q", name)
		}
	}
	return tasks, nil
}
