package report

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recall_pipeline/internal/calls"
	"recall_pipeline/internal/events"
	"recall_pipeline/internal/recurrence"
)

func at(d, hh int) time.Time {
	return time.Date(2025, 3, d, hh, 0, 0, 0, time.UTC)
}

type callSpec struct {
	origin, agent, name, supervisor, motive string
	when                                    time.Time
	protocol                                bool
	handling                                float64
}

func build(specs ...callSpec) []calls.Record {
	var recs []calls.Record
	for _, s := range specs {
		r := calls.Record{
			Origin:          s.origin,
			ContactTime:     s.when,
			AgentID:         s.agent,
			AgentName:       s.name,
			Supervisor:      s.supervisor,
			MotiveCategory:  s.motive,
			HandlingSeconds: s.handling,
			OperatorGroup:   "OpA",
			Status:          "ANSWERED",
		}
		if s.protocol {
			r.ProtocolID = calls.String(s.origin + s.when.String())
		}
		recs = append(recs, r)
	}
	out, _ := recurrence.Link(recs, recurrence.DefaultWindow)
	return out
}

// agent 1 moves from S1 to S2 mid-window; S2 is the more frequent label.
func fixture() []calls.Record {
	return build(
		callSpec{"o1", "1", "Ana", "S1", "A", at(1, 9), true, 100},
		callSpec{"o1", "2", "Bia", "S3", "A", at(1, 15), true, 200},
		callSpec{"o2", "1", "Ana", "S2", "B", at(2, 9), true, 300},
		callSpec{"o2", "3", "Caio", "S3", "C", at(2, 10), true, 50},
		callSpec{"o3", "1", "Ana", "S2", "A", at(3, 9), false, 80},
		callSpec{"o3", "2", "Bia", "S3", "", at(3, 12), true, 20},
		callSpec{"o4", "2", "Bia", "S3", "A", at(5, 9), true, 10},
		callSpec{"o4", "3", "Caio", "S3", "A", at(5, 20), true, 10},
		callSpec{"o5", "3", "Caio", "S3", "B", at(7, 9), true, 10},
	)
}

func version(recs []calls.Record) *calls.Version {
	return &calls.Version{ID: "v1", Records: recs}
}

func rowFor(t *testing.T, res Result, agent string) AgentRow {
	t.Helper()
	for _, a := range res.Agents {
		if a.AgentID == agent {
			return a
		}
	}
	t.Fatalf("agent %s not in result", agent)
	return AgentRow{}
}

func TestAggregateAttributesToCauser(t *testing.T) {
	res, err := Aggregate(version(fixture()), Request{Start: at(1, 0), End: at(7, 0)})
	require.NoError(t, err)

	ana := rowFor(t, res, "1")
	assert.Equal(t, "S2", ana.Supervisor, "window mode supervisor")
	assert.Equal(t, 2, ana.Calls, "null protocol is not a call")
	assert.InDelta(t, 160.0, ana.MeanHandlingSeconds, 1e-9)
	assert.Equal(t, 3, ana.Recurrences)
	assert.Equal(t, 1, ana.WithReason)
	assert.Equal(t, 2, ana.WithoutReason)
	assert.InDelta(t, 1.5, ana.RecurrenceRate, 1e-9)

	require.Len(t, res.Details, 3)
	for _, d := range res.Details {
		assert.Equal(t, "1", d.AgentID)
		assert.Equal(t, "Ana", d.AgentName)
		assert.Equal(t, "S2", d.Supervisor)
	}
	assert.Equal(t, res.TotalRecurrences(), len(res.Details))
}

func TestSupervisorFilterConsistentAcrossViews(t *testing.T) {
	recs := fixture()
	for _, sup := range []string{"S1", "S2", "S3", calls.Unmapped} {
		t.Run(sup, func(t *testing.T) {
			res, err := Aggregate(version(recs), Request{
				Start:   at(1, 0),
				End:     at(7, 0),
				Filters: Filters{"supervisor": {sup}},
			})
			require.NoError(t, err)
			assert.Equal(t, res.TotalRecurrences(), len(res.Details))
			for _, d := range res.Details {
				assert.Equal(t, sup, d.Supervisor)
			}
			for _, a := range res.Agents {
				assert.Equal(t, sup, a.Supervisor)
			}
		})
	}
}

func TestRecordFieldFiltersAndUnknownField(t *testing.T) {
	res, err := Aggregate(version(fixture()), Request{
		Start:   at(1, 0),
		End:     at(7, 0),
		Filters: Filters{"motive_category": {"A"}, "colour": {"red"}},
	})
	require.NoError(t, err)

	assert.Len(t, res.Warnings, 1)
	assert.Equal(t, res.TotalRecurrences(), len(res.Details))
	require.Len(t, res.Details, 2)
	for _, d := range res.Details {
		assert.Equal(t, "A", d.Motive)
	}
}

func TestWindowedCauserOutsideWindow(t *testing.T) {
	res, err := Aggregate(version(fixture()), Request{Start: at(3, 0), End: at(3, 0)})
	require.NoError(t, err)

	require.Len(t, res.Details, 1)
	assert.Equal(t, "1", res.Details[0].AgentID)
	ana := rowFor(t, res, "1")
	assert.Equal(t, 0, ana.Calls)
	assert.Equal(t, 1, ana.Recurrences)
	assert.Zero(t, ana.RecurrenceRate, "rates are zero without calls")
	assert.Equal(t, "00:01:20", res.Details[0].CausingHandling)
}

func TestAgentFilterUsesCauser(t *testing.T) {
	res, err := Aggregate(version(fixture()), Request{
		Start:   at(1, 0),
		End:     at(7, 0),
		Filters: Filters{"agent_name": {"Bia"}},
	})
	require.NoError(t, err)

	assert.Equal(t, res.TotalRecurrences(), len(res.Details))
	require.Len(t, res.Details, 1)
	assert.Equal(t, "2", res.Details[0].AgentID)
	bia := rowFor(t, res, "2")
	assert.Equal(t, 3, bia.Calls)
}

func TestAggregateNoVersion(t *testing.T) {
	_, err := Aggregate(nil, Request{})
	assert.ErrorIs(t, err, calls.ErrNoData)
}

func TestDirectoryModeTieGoesToFirstSeen(t *testing.T) {
	dir := NewDirectory([]calls.Record{
		{AgentID: "1", Supervisor: "B"},
		{AgentID: "1", AgentName: "Ana", Supervisor: "A"},
		{AgentID: "1", Supervisor: "A"},
		{AgentID: "1", AgentName: "Other", Supervisor: "B"},
	}, nil)

	assert.Equal(t, Entry{Name: "Ana", Supervisor: "B"}, dir.Lookup("1"))
	assert.Equal(t, Entry{Name: UnknownAgent, Supervisor: calls.Unmapped}, dir.Lookup("2"))
}

func TestFormatHHMMSS(t *testing.T) {
	assert.Equal(t, "01:02:05", FormatHHMMSS(3725.9))
	assert.Equal(t, "00:00:00", FormatHHMMSS(-4))
}

func TestDefaultWindow(t *testing.T) {
	recs := fixture()
	start, end := DefaultWindow(recs, time.Date(2025, 3, 20, 8, 0, 0, 0, time.UTC), 6)
	assert.Equal(t, time.Date(2025, 3, 7, 0, 0, 0, 0, time.UTC), end)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), start)

	start, end = DefaultWindow(recs, time.Date(2025, 3, 5, 8, 0, 0, 0, time.UTC), 2)
	assert.Equal(t, time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), end)
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), start)
}

func TestDiagnostics(t *testing.T) {
	recs := fixture()
	recs = append(recs, build(
		callSpec{"o9", "77", "", calls.Unmapped, "A", at(6, 9), true, 10},
		callSpec{"o9", "3", "Caio", "S3", "A", at(6, 10), true, 10},
	)...)
	v := version(recs)

	unm, err := Unmapped(v, at(1, 0), at(7, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, unm.UnmappedRecurrences)
	require.Len(t, unm.ProblemAgents, 1)
	assert.Equal(t, "77", unm.ProblemAgents[0].AgentID)
	assert.Contains(t, unm.Supervisors, calls.Unmapped)

	val, err := Validate(v, at(1, 0), at(7, 0))
	require.NoError(t, err)
	assert.Equal(t, 11, val.WindowRecords)
	assert.Equal(t, 1, val.WithoutProtocol)
	assert.Equal(t, 10, val.Calls)
	assert.Equal(t, 5, val.Recurrences)
	assert.Equal(t, 11, val.ByGroup["OpA"])
	assert.Equal(t, "3", val.TopAgents[0].AgentID)
	assert.Equal(t, 4, val.TopAgents[0].Calls)

	_, err = Validate(nil, at(1, 0), at(7, 0))
	assert.ErrorIs(t, err, calls.ErrNoData)
}

type staticLoader struct {
	v     *calls.Version
	loads int
}

func (s *staticLoader) CurrentVersion(context.Context) (*calls.Version, error) {
	s.loads++
	if s.v == nil {
		return nil, calls.ErrNoData
	}
	return s.v, nil
}

func TestServiceCachesUntilPublished(t *testing.T) {
	loader := &staticLoader{v: version(fixture())}
	svc := NewService(loader, 6)
	svc.now = func() time.Time { return time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	res, err := svc.Report(ctx, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), res.Start)
	_, err = svc.Report(ctx, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, loader.loads)

	bus := events.NewBus()
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	svc.Watch(watchCtx, bus)
	bus.Publish(events.VersionPublished{VersionID: "v2"})
	assert.Eventually(t, func() bool {
		svc.mu.RLock()
		defer svc.mu.RUnlock()
		return svc.current == nil
	}, time.Second, 10*time.Millisecond)
}

func TestServiceNoData(t *testing.T) {
	svc := NewService(&staticLoader{}, 6)
	_, err := svc.Report(context.Background(), nil, nil, nil)
	assert.ErrorIs(t, err, calls.ErrNoData)
}

type blockingLoader struct {
	v       *calls.Version
	loading chan struct{}
	release chan struct{}
}

func (b *blockingLoader) CurrentVersion(context.Context) (*calls.Version, error) {
	close(b.loading)
	<-b.release
	return b.v, nil
}

func TestServiceDoesNotCacheLoadOverlappingInvalidate(t *testing.T) {
	loader := &blockingLoader{
		v:       version(fixture()),
		loading: make(chan struct{}),
		release: make(chan struct{}),
	}
	svc := NewService(loader, 6)

	done := make(chan *calls.Version)
	go func() {
		v, err := svc.Version(context.Background())
		assert.NoError(t, err)
		done <- v
	}()
	<-loader.loading
	svc.Invalidate()
	close(loader.release)

	got := <-done
	assert.Equal(t, "v1", got.ID)
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	assert.Nil(t, svc.current)
}

func TestServiceDiagnosticsRejectReversedWindow(t *testing.T) {
	svc := NewService(&staticLoader{v: version(fixture())}, 6)
	ctx := context.Background()
	start, end := at(7, 0), at(1, 0)

	_, err := svc.Unmapped(ctx, &start, &end)
	assert.ErrorIs(t, err, ErrInvalidWindow)
	_, err = svc.Validate(ctx, &start, &end)
	assert.ErrorIs(t, err, ErrInvalidWindow)
}
