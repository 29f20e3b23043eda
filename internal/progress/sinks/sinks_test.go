package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/url-crawler/internal/progress"
	"github.com/JakeFAU/url-crawler/internal/publisher/memory"
)

const batchID = "0193a7a4-3b1e-7c2d-8e4f-123456789abc"

func sampleBatch() []progress.Event {
	now := time.Now()
	return []progress.Event{
		{BatchID: batchID, TS: now, Stage: progress.StageBatchStart},
		{
			BatchID:     batchID,
			TS:          now.Add(time.Second),
			Stage:       progress.StageFetchDone,
			Site:        "example.com",
			URL:         "https://example.com/",
			Bytes:       1024,
			StatusClass: progress.Status2xx,
			Dur:         200 * time.Millisecond,
		},
		{BatchID: batchID, TS: now.Add(2 * time.Second), Stage: progress.StageBatchDone, Dur: 2 * time.Second, Pages: 1},
	}
}

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.batchesStarted), 0)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.batchesCompleted.WithLabelValues("completed")), 0)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.batchesCompleted.WithLabelValues("failed")), 0)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.batchesRunning), 0)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.fetches.WithLabelValues("example.com", "2xx")), 0)
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.fetchBytes.WithLabelValues("example.com")), 0)
	require.Equal(t, 1, testutil.CollectAndCount(sink.fetchDuration, "crawler_fetch_duration_seconds"))
	require.NoError(t, sink.Close(context.Background()))
}

func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	start := progress.Event{BatchID: "a", TS: time.Now(), Stage: progress.StageBatchStart}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{start, start}))
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.batchesRunning), 0)

	failed := progress.Event{BatchID: "a", TS: time.Now(), Stage: progress.StageBatchError, Note: "boom"}
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{failed}))
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.batchesRunning), 0)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.batchesCompleted.WithLabelValues("failed")), 0)
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))
	batch := append(sampleBatch(), progress.Event{BatchID: batchID, TS: time.Now(), Stage: progress.StageBatchError})
	require.NoError(t, sink.Consume(context.Background(), batch))

	entries := logs.All()
	require.Len(t, entries, 4)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, zapcore.DebugLevel, entries[1].Level)
	require.Equal(t, zapcore.WarnLevel, entries[3].Level)
	require.Equal(t, batchID, entries[0].ContextMap()["batch_id"])
}

func TestPublishSinkAnnouncesTerminalEvents(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink := NewPublishSink(pub, "batches", nil)
	batch := append(sampleBatch(), progress.Event{
		BatchID: "other",
		TS:      time.Now(),
		Stage:   progress.StageBatchError,
		Note:    "storage down",
		Dur:     time.Second,
	})
	require.NoError(t, sink.Consume(context.Background(), batch))

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "batches", msgs[0].Topic)

	done := msgs[0].Payload.(BatchNotification)
	require.Equal(t, batchID, done.BatchID)
	require.Equal(t, "completed", done.Status)
	require.Equal(t, 1, done.Pages)
	require.Equal(t, int64(2000), done.DurationMs)

	failed := msgs[1].Payload.(BatchNotification)
	require.Equal(t, "failed", failed.Status)
	require.Equal(t, "storage down", failed.Error)
}

func TestPublishSinkSwallowsPublishErrors(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	pub.FailWith(errors.New("unavailable"))
	core, logs := observer.New(zapcore.WarnLevel)
	sink := NewPublishSink(pub, "batches", zap.New(core))

	require.NoError(t, sink.Consume(context.Background(), sampleBatch()))
	require.Equal(t, 1, logs.FilterMessage("batch notification publish failed").Len())
	require.NoError(t, sink.Close(context.Background()))
}
