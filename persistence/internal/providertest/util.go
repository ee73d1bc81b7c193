package providertest

import (
	"context"

	"github.com/dogmatiq/orchestra/persistence"
	"github.com/onsi/gomega"
)

// persist persists a batch of operations and asserts that there was no failure.
func persist(
	ctx context.Context,
	p persistence.Persister,
	batch ...persistence.Operation,
) persistence.Result {
	res, err := p.Persist(ctx, batch)
	gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
	return res
}

// loadEvents loads the events of a process and asserts that there was no
// failure.
func loadEvents(
	ctx context.Context,
	r persistence.EventRepository,
	id string,
	offset uint64,
) []persistence.Event {
	events, err := r.LoadEvents(ctx, id, offset)
	gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
	return events
}

// loadProcess loads a process record and asserts that there was no failure.
func loadProcess(
	ctx context.Context,
	r persistence.ProcessRepository,
	id string,
) persistence.ProcessRecord {
	rec, err := r.LoadProcess(ctx, id)
	gomega.Expect(err).ShouldNot(gomega.HaveOccurred())
	return rec
}

// summarize returns the offset, type and data of each event, discarding the
// values that depend on the clock.
func summarize(events []persistence.Event) []persistence.Event {
	var result []persistence.Event
	for _, ev := range events {
		result = append(result, persistence.Event{
			ProcessID: ev.ProcessID,
			Offset:    ev.Offset,
			Type:      ev.Type,
			Data:      ev.Data,
		})
	}
	return result
}
