package probe

// Publisher is the event channel seen from the probe side. Publish must not
// block and may drop the record under pressure; the probe never retries.
type Publisher interface {
	Publish(rec Record)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(rec Record)

func (f PublisherFunc) Publish(rec Record) { f(rec) }

// Emitter publishes exec and exit records. It holds no state.
type Emitter struct {
	pub Publisher
}

// NewEmitter creates an emitter publishing on pub.
func NewEmitter(pub Publisher) *Emitter {
	return &Emitter{pub: pub}
}

// OnProcessCreated publishes one Exec record sampled from ctx.
func (e *Emitter) OnProcessCreated(ctx ExecContext) {
	e.pub.Publish(newRecord(ctx, KindExec))
}

// OnProcessExited publishes one Exit record sampled from ctx.
func (e *Emitter) OnProcessExited(ctx ExecContext) {
	e.pub.Publish(newRecord(ctx, KindExit))
}
