package replicator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohenjo/readmodel/pkg/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Source.Table = "public.student"
	cfg.Checkpoint.Type = config.CheckpointFile
	cfg.Checkpoint.Directory = t.TempDir()
	cfg.Server.Enabled = false
	cfg.Telemetry.Enabled = false
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config, source *fakeSource, sink *fakeSink) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), ServiceOptions{
		Config: cfg,
		Logger: logrus.New(),
		Source: source,
		Sink:   sink,
	})
	require.NoError(t, err)
	return svc
}

func TestNewServiceRequiresConfig(t *testing.T) {
	_, err := NewService(context.Background(), ServiceOptions{})
	assert.Error(t, err)
}

func TestServiceLifecycle(t *testing.T) {
	source := newFakeSource(change("c", nil, image("id", int64(1), "name", "Ada")))
	sink := &fakeSink{}
	svc := newTestService(t, testConfig(t), source, sink)

	assert.Equal(t, StatusStopped, svc.GetStatus())
	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, StatusRunning, svc.GetStatus())
	assert.Error(t, svc.Start(context.Background()))

	require.Eventually(t, func() bool { return len(sink.recorded()) == 1 }, 2*time.Second, 10*time.Millisecond)

	ok, reason := svc.Healthy()
	assert.True(t, ok)
	assert.Empty(t, reason)

	report, isReport := svc.Status().(ServiceStatusReport)
	require.True(t, isReport)
	assert.Equal(t, StatusRunning, report.Status)
	assert.Equal(t, "public.student", report.Table)
	assert.Equal(t, uint64(1), report.Consumer.Upserts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
	assert.Equal(t, StatusStopped, svc.GetStatus())
	assert.Equal(t, int32(1), source.closes.Load())

	require.NoError(t, svc.Stop(ctx))
	assert.Equal(t, int32(1), source.closes.Load())

	ok, _ = svc.Healthy()
	assert.False(t, ok)
}

func TestServiceReportsFatalSourceError(t *testing.T) {
	source := newFakeSource()
	source.runErr = errors.New("replication slot dropped")
	svc := newTestService(t, testConfig(t), source, &fakeSink{})

	require.NoError(t, svc.Start(context.Background()))

	select {
	case err := <-svc.Fatal():
		var fatal *SourceFatalError
		require.ErrorAs(t, err, &fatal)
		assert.Contains(t, err.Error(), "replication slot dropped")
	case <-time.After(2 * time.Second):
		t.Fatal("no fatal error delivered")
	}

	require.Eventually(t, func() bool { return svc.GetStatus() == StatusError }, time.Second, 10*time.Millisecond)
	ok, reason := svc.Healthy()
	assert.False(t, ok)
	assert.Contains(t, reason, "replication slot dropped")

	require.NoError(t, svc.Stop(context.Background()))
}

func TestServiceServesHealth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Enabled = true
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	svc := newTestService(t, cfg, newFakeSource(), &fakeSink{})

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	resp, err := http.Get(fmt.Sprintf("http://%s/health", svc.apiServer.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestShutdownHandlerReturnsFatalError(t *testing.T) {
	source := newFakeSource()
	source.runErr = errors.New("binlog purged")
	svc := newTestService(t, testConfig(t), source, &fakeSink{})
	require.NoError(t, svc.Start(context.Background()))

	sh := NewShutdownHandler(ShutdownHandlerOptions{Service: svc, Logger: logrus.New(), ShutdownTimeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := sh.Wait(ctx)
	var fatal *SourceFatalError
	require.ErrorAs(t, err, &fatal)
	assert.True(t, sh.IsShuttingDown())
	assert.Equal(t, StatusStopped, svc.GetStatus())
	assert.Error(t, sh.Shutdown())
}

func TestShutdownHandlerRunsHooksInPriorityOrder(t *testing.T) {
	svc := newTestService(t, testConfig(t), newFakeSource(), &fakeSink{})
	require.NoError(t, svc.Start(context.Background()))

	var mu sync.Mutex
	var order []string
	hook := func(name string, priority int, err error) ShutdownHook {
		return ShutdownHook{Name: name, Priority: priority, Fn: func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return err
		}}
	}

	logger := logrus.New()
	sh := NewShutdownHandler(ShutdownHandlerOptions{Service: svc, Logger: logger})
	sh.AddHook(hook("late", 30, nil))
	sh.AddHook(hook("early", 1, nil))
	sh.AddHook(hook("failing", 20, errors.New("flush failed")))
	sh.AddHook(CreateStatsLogHook(svc, logger))
	require.Len(t, sh.GetHooks(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sh.Wait(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush failed")

	assert.Equal(t, []string{"early", "failing", "late"}, order)
	assert.Equal(t, StatusStopped, svc.GetStatus())
}

func TestServiceStopKeepsSinkOpenWhileWorkerRuns(t *testing.T) {
	entered := make(chan struct{})
	unblock := make(chan struct{})
	sink := &fakeSink{hook: func(context.Context, interface{}) error {
		close(entered)
		<-unblock
		return nil
	}}
	source := newFakeSource(change("c", nil, image("id", int64(1), "name", "Ada")))
	svc := newTestService(t, testConfig(t), source, sink)
	require.NoError(t, svc.Start(context.Background()))

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never called")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := svc.Stop(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(0), sink.closes.Load())
	assert.Equal(t, StatusStopping, svc.GetStatus())

	close(unblock)
	require.Eventually(t, func() bool { return sink.closes.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return svc.GetStatus() == StatusStopped }, time.Second, 10*time.Millisecond)
	assert.Len(t, sink.recorded(), 1)
}

func TestServiceStopBeforeStartReleases(t *testing.T) {
	sink := &fakeSink{}
	svc := newTestService(t, testConfig(t), newFakeSource(), sink)

	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, int32(1), sink.closes.Load())

	require.NoError(t, svc.Stop(context.Background()))
	assert.Equal(t, int32(1), sink.closes.Load())
	assert.Error(t, svc.Start(context.Background()))
}

