package report

import (
	"context"
	"fmt"
	"time"
)

type countingSink struct {
	failures int
}

func (s *countingSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		if evt.Stage == StageItemFailed {
			s.failures++
		}
	}
	return nil
}

func (s *countingSink) Close(context.Context) error { return nil }

// ExampleHub_Emit emits an item failure and flushes it via Close.
func ExampleHub_Emit() {
	sink := &countingSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Second}, sink)

	hub.Emit(Event{
		Source: "ekko",
		TS:     time.Unix(0, 0),
		Stage:  StageItemFailed,
		Phase:  PhaseEnrich,
		URL:    "https://example.org/agenda/1",
		Task:   "ocr_text",
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("failures: %d\n", sink.failures)
	// Output:
	// failures: 1
}
