package events

// QueueOf exposes the recorder queue to the external test package
func QueueOf(r *Recorder) chan *Event { return r.queue }
