package pipeline

import (
	"slices"
	"trainpipe/pkg/cloudevent"

	"github.com/google/uuid"
)

// Event types for run lifecycle callbacks
const (
	EventTypeStart = "trainpipe.run.start"
	EventTypeStage = "trainpipe.run.stage"
	EventTypeExit  = "trainpipe.run.exit"
)

const eventSource = "trainpipe/pipeline"

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for one run.
type EventBuilder struct {
	runID string
	job   string
	meta  map[string]string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(runID, job string, meta map[string]string) *EventBuilder {
	return &EventBuilder{runID: runID, job: job, meta: meta}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	return cloudevent.New(eventType, eventSource, b.runID, uuid.NewString(), data)
}

func (b *EventBuilder) data() map[string]any {
	return map[string]any{
		"runId": b.runID,
		"job":   b.job,
		"meta":  b.meta,
	}
}

// BuildStartEvent creates a run start event.
func (b *EventBuilder) BuildStartEvent() *cloudevent.CloudEvent {
	return b.Build(EventTypeStart, b.data())
}

// BuildStageEvent creates an event for a finished stage.
func (b *EventBuilder) BuildStageEvent(stage StageResult) *cloudevent.CloudEvent {
	data := b.data()
	data["stage"] = stage.Name
	data["status"] = stage.Status
	if stage.Error != "" {
		data["error"] = stage.Error
	}
	return b.Build(EventTypeStage, data)
}

// BuildExitEvent creates a run exit event.
func (b *EventBuilder) BuildExitEvent(status string, err error) *cloudevent.CloudEvent {
	data := b.data()
	data["status"] = status
	if err != nil {
		data["error"] = err.Error()
	}
	return b.Build(EventTypeExit, data)
}
