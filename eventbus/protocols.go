package eventbus

// Observable receives pipeline events.
type Observable interface {
	Notify(event PipelineEvent)
}

// ObservableFunc adapts a function to Observable.
type ObservableFunc func(event PipelineEvent)

// Notify implements Observable.
func (f ObservableFunc) Notify(event PipelineEvent) {
	f(event)
}

// HandlerFunc handles a delivered event. Returned errors are logged by the bus
// and never stop delivery to other subscribers.
type HandlerFunc func(event PipelineEvent) error

// Middleware intercepts events before and after delivery.
type Middleware interface {
	// Before may modify the event. Returning nil drops it.
	Before(event *PipelineEvent) (*PipelineEvent, error)
	// After runs once delivery finished, with the first subscriber error.
	After(event *PipelineEvent, err error)
}

// Emit notifies o when it is non-nil.
func Emit(o Observable, event PipelineEvent) {
	if o == nil {
		return
	}
	o.Notify(event)
}

// Fanout returns an Observable that forwards to every non-nil observer in order.
func Fanout(observers ...Observable) Observable {
	live := make([]Observable, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			live = append(live, o)
		}
	}
	return ObservableFunc(func(event PipelineEvent) {
		for _, o := range live {
			o.Notify(event)
		}
	})
}
