package domain

// EngineEvent is the closed set of events emitted by the recording engine.
// Exactly one of the variant structs below implements it per tag.
type EngineEvent interface {
	engineEvent()
}

// StatusChanged reports an engine state transition.
type StatusChanged struct {
	Status EngineStatus
}

// PartialText is a latest-wins, non-final recognizer hypothesis.
type PartialText struct {
	Text   string
	Source Source
}

// SegmentFinalized reports a segment that has been durably stored.
type SegmentFinalized struct {
	Segment Segment
}

// EngineError reports a pipeline or setup failure. Transient errors leave the
// engine recording; non-transient ones accompany a transition to error state.
type EngineError struct {
	Message   string
	Transient bool
}

// ModelProcessing brackets summary-coordinator activity.
type ModelProcessing struct {
	Active bool
}

// TopicsUpdated carries the full topic set known after a coordinator run.
type TopicsUpdated struct {
	Topics []Topic
}

// Level carries aggregated per-source audio peaks, rate-limited to 10 Hz.
type Level struct {
	Mic float64
	Sys float64
}

func (StatusChanged) engineEvent()    {}
func (PartialText) engineEvent()      {}
func (SegmentFinalized) engineEvent() {}
func (EngineError) engineEvent()      {}
func (ModelProcessing) engineEvent()  {}
func (TopicsUpdated) engineEvent()    {}
func (Level) engineEvent()            {}
