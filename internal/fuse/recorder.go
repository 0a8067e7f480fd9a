package fuse

// Recorder receives operation counters. *metrics.Metrics implements it.
type Recorder interface {
	RecordOperation(op string)
	RecordError(op string)
	RecordCreate(kind string)
	RecordEviction(kind string)
	RecordBytesRead(n int64)
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string) {}
func (nopRecorder) RecordError(string)     {}
func (nopRecorder) RecordCreate(string)    {}
func (nopRecorder) RecordEviction(string)  {}
func (nopRecorder) RecordBytesRead(int64)  {}
