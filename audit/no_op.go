package audit

import "context"

// NoOpSink discards entries, used when export is disabled
type NoOpSink struct{}

func NewNoOpSink() Sink {
	return new(NoOpSink)
}

func (n *NoOpSink) Write(context.Context, Entry) error {
	return nil
}

func (n *NoOpSink) Query(QueryOptions) (QueryResult, error) {
	return QueryResult{Entries: []Entry{}}, nil
}

func (n *NoOpSink) Close() error {
	return nil
}
