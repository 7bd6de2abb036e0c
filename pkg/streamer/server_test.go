package streamer_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/stretchr/testify/suite"
	"github.com/tauraamui/streamerd/pkg/configdef"
	"github.com/tauraamui/streamerd/pkg/database/dbconn"
	"github.com/tauraamui/streamerd/pkg/database/models"
	"github.com/tauraamui/streamerd/pkg/database/repos"
	"github.com/tauraamui/streamerd/pkg/streamer"
	"github.com/tauraamui/streamerd/pkg/video/videobackend"
	"github.com/tauraamui/streamerd/pkg/video/videoerr"
	"github.com/tauraamui/xerror"
)

const (
	sensorPath  = "/dev/video0"
	ispPath     = "/dev/video12"
	encoderPath = "/dev/video11"
)

type testConfigResolver struct {
	values configdef.Values
	err    error
}

func (tcr testConfigResolver) Resolve() (configdef.Values, error) {
	return tcr.values, tcr.err
}

func rgbQueue(memory string) *configdef.Queue {
	return &configdef.Queue{Width: 64, Height: 48, PixelFormat: "RGB3", Buffers: 4, Memory: memory}
}

func benchPipeline(maxTicks int) configdef.Pipeline {
	return configdef.Pipeline{
		Title:    "bench",
		MaxTicks: maxTicks,
		Stages: []configdef.Stage{
			{Name: "sensor", Device: sensorPath, Capture: rgbQueue("mapped")},
			{Name: "isp", Device: ispPath, Output: rgbQueue("imported"), Capture: rgbQueue("mapped")},
			{Name: "encoder", Device: encoderPath, Output: rgbQueue("imported"), Capture: rgbQueue("mapped")},
		},
	}
}

func resolverFor(p configdef.Pipeline) testConfigResolver {
	return testConfigResolver{values: configdef.Values{Backend: "mock", Pipelines: []configdef.Pipeline{p}}}
}

type ServerTestSuite struct {
	suite.Suite
	mu         sync.Mutex
	warnings   []string
	errors     []string
	resetLogFn []func()
}

func (suite *ServerTestSuite) SetupTest() {
	suite.mu.Lock()
	suite.warnings, suite.errors = nil, nil
	suite.mu.Unlock()

	discard := func(string, ...interface{}) {}
	suite.resetLogFn = []func(){
		overloadDebugLog(discard),
		overloadInfoLog(discard),
		overloadWarnLog(func(format string, a ...interface{}) {
			suite.mu.Lock()
			defer suite.mu.Unlock()
			suite.warnings = append(suite.warnings, fmt.Sprintf(format, a...))
		}),
		overloadErrorLog(func(format string, a ...interface{}) {
			suite.mu.Lock()
			defer suite.mu.Unlock()
			suite.errors = append(suite.errors, fmt.Sprintf(format, a...))
		}),
	}
}

func (suite *ServerTestSuite) TearDownTest() {
	for _, reset := range suite.resetLogFn {
		reset()
	}
}

func (suite *ServerTestSuite) loggedWarnings() []string {
	suite.mu.Lock()
	defer suite.mu.Unlock()
	return append([]string(nil), suite.warnings...)
}

func (suite *ServerTestSuite) loggedErrors() []string {
	suite.mu.Lock()
	defer suite.mu.Unlock()
	return append([]string(nil), suite.errors...)
}

func (suite *ServerTestSuite) connectedServer(p configdef.Pipeline, backend *videobackend.MockBackend) *streamer.Server {
	s, err := streamer.NewServer(resolverFor(p), backend)
	suite.Require().NoError(err)
	suite.Require().NoError(s.Connect())
	return s
}

func (suite *ServerTestSuite) TestConfiguredBackendIsUsedWhenNoneIsGiven() {
	s, err := streamer.NewServer(resolverFor(benchPipeline(12)), nil)
	suite.Require().NoError(err)
	suite.Equal("bench", s.Title())

	suite.Require().NoError(s.Connect())
	suite.Require().NoError(s.RunProcesses())
	suite.NoError(s.Wait())
	<-s.Shutdown()

	suite.True(s.Stats().FramesSunk > 0)
	suite.Contains(suite.loggedWarnings(), "[bench] No sink path set, frames from encoder will only be counted")
}

func (suite *ServerTestSuite) TestRunIsRecordedInLedger() {
	gorm := dbconn.Mock()
	s := suite.connectedServer(benchPipeline(12), videobackend.NewMock(nil, nil))
	s.RecordRunsTo(&repos.RunRepository{DB: gorm})

	suite.Require().NoError(s.RunProcesses())
	suite.Require().NoError(s.Wait())
	<-s.Shutdown()

	suite.Len(gorm.Created(), 1)
	suite.Len(gorm.Saved(), 1)

	run := s.Run()
	suite.Require().NotNil(run)
	stats := s.Stats()
	suite.Equal("bench", run.Pipeline)
	suite.Equal("mock", run.Backend)
	suite.Equal(models.OutcomeStopped, run.Outcome)
	suite.Empty(run.Error)
	suite.NotNil(run.StoppedAt)
	suite.Equal(stats.Ticks, run.Ticks)
	suite.Equal(stats.FramesCaptured, run.FramesCaptured)
	suite.Equal(stats.FramesSunk, run.FramesSunk)
	suite.Equal(stats.BytesSunk, run.BytesSunk)
	suite.Zero(run.Leaks)
}

func (suite *ServerTestSuite) TestLedgerFailureDoesNotStopTheRun() {
	gorm := dbconn.Mock().SetError(errors.New("disk full"))
	s := suite.connectedServer(benchPipeline(6), videobackend.NewMock(nil, nil))
	s.RecordRunsTo(&repos.RunRepository{DB: gorm})

	suite.Require().NoError(s.RunProcesses())
	suite.NoError(s.Wait())
	<-s.Shutdown()

	suite.Nil(s.Run())
	suite.Contains(suite.loggedErrors(), "[bench] Unable to record run start: disk full")
}

func (suite *ServerTestSuite) TestStallIsRecordedAsStalled() {
	backend := videobackend.NewMock(map[string]videobackend.MockDeviceConfig{
		sensorPath:  {Capture: true},
		ispPath:     {Capture: true, Output: true},
		encoderPath: {Capture: true, Output: true},
	}, nil)
	gorm := dbconn.Mock()
	s := suite.connectedServer(benchPipeline(0), backend)
	s.RecordRunsTo(&repos.RunRepository{DB: gorm})

	suite.Require().NoError(s.RunProcesses())
	err := s.Wait()
	<-s.Shutdown()

	suite.True(errors.Is(err, videoerr.ErrFatalStall))
	suite.Equal(models.OutcomeStalled, s.Run().Outcome)
	suite.Equal(err.Error(), s.Run().Error)

	reported := false
	for _, msg := range suite.loggedErrors() {
		if strings.HasPrefix(msg, "[bench] Pipeline stopped: ") {
			reported = true
		}
	}
	suite.True(reported)
}

func (suite *ServerTestSuite) TestShutdownStopsAnUnboundedRun() {
	backend := videobackend.NewMock(nil, nil)
	s := suite.connectedServer(benchPipeline(0), backend)

	suite.Require().NoError(s.RunProcesses())
	<-s.Shutdown()

	suite.NoError(s.Wait())
	for _, snap := range s.Snapshot() {
		suite.Zero(snap.Leaked(), snap.Name)
	}
	for _, path := range []string{sensorPath, ispPath, encoderPath} {
		suite.True(backend.Device(path).Closed(), path)
	}
}

func (suite *ServerTestSuite) TestShutdownBeforeRunningClosesStages() {
	backend := videobackend.NewMock(nil, nil)
	s := suite.connectedServer(benchPipeline(0), backend)

	<-s.Shutdown()
	suite.NoError(s.Wait())
	suite.EqualError(s.RunProcesses(), "pipeline bench is shutting down")
	for _, path := range []string{sensorPath, ispPath, encoderPath} {
		suite.True(backend.Device(path).Closed(), path)
	}
}

func (suite *ServerTestSuite) TestConnectClosesOpenedStagesOnFailure() {
	backend := videobackend.NewMock(map[string]videobackend.MockDeviceConfig{
		sensorPath: {Capture: true, AutoReady: true},
		ispPath:    {Capture: true, Output: true, AutoReady: true},
	}, nil)
	s, err := streamer.NewServer(resolverFor(benchPipeline(0)), backend)
	suite.Require().NoError(err)

	err = s.Connect()
	suite.Require().Error(err)
	suite.True(errors.Is(err, videoerr.ErrNotAVideoDevice))
	suite.True(backend.Device(sensorPath).Closed())
	suite.True(backend.Device(ispPath).Closed())
	suite.EqualError(s.RunProcesses(), "pipeline bench is not connected")
}

func (suite *ServerTestSuite) TestConnectOnlyOnce() {
	s := suite.connectedServer(benchPipeline(0), videobackend.NewMock(nil, nil))
	defer func() { <-s.Shutdown() }()

	suite.EqualError(s.Connect(), "pipeline bench is already connected")
}

func (suite *ServerTestSuite) TestRunProcessesOnlyOnce() {
	s := suite.connectedServer(benchPipeline(3), videobackend.NewMock(nil, nil))

	suite.Require().NoError(s.RunProcesses())
	suite.EqualError(s.RunProcesses(), "pipeline bench is already running")
	suite.NoError(s.Wait())
	<-s.Shutdown()
}

func (suite *ServerTestSuite) TestFramesAndSnapshotsAreWrittenToDisk() {
	dir := suite.T().TempDir()
	p := benchPipeline(12)
	p.SinkPath = filepath.Join(dir, "out", "bench.rgb")
	p.RawSnapshot = &configdef.RawSnapshot{Stage: "sensor", Path: filepath.Join(dir, "raw", "sensor.rgb"), Every: 1}

	s := suite.connectedServer(p, videobackend.NewMock(nil, nil))
	suite.Require().NoError(s.RunProcesses())
	suite.Require().NoError(s.Wait())
	<-s.Shutdown()

	out, err := os.Stat(p.SinkPath)
	suite.Require().NoError(err)
	suite.True(out.Size() > 0)
	suite.True(s.Stats().BytesSunk > 0)

	raw, err := os.Stat(p.RawSnapshot.Path)
	suite.Require().NoError(err)
	suite.True(raw.Size() > 0)
	suite.Empty(suite.loggedWarnings())
}

func (suite *ServerTestSuite) TestTerminalStageWithoutCaptureNeedsNoSink() {
	p := benchPipeline(6)
	p.Stages[2] = configdef.Stage{Name: "display", Device: encoderPath, Output: rgbQueue("imported")}

	s := suite.connectedServer(p, videobackend.NewMock(nil, nil))
	suite.Require().NoError(s.RunProcesses())
	suite.NoError(s.Wait())
	<-s.Shutdown()

	suite.Zero(s.Stats().FramesSunk)
	suite.Empty(suite.loggedWarnings())
}

func (suite *ServerTestSuite) TestCleanShutdownReportsReleaseAsInfo() {
	var mu sync.Mutex
	var infos []string
	resetInfo := overloadInfoLog(func(format string, a ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		infos = append(infos, fmt.Sprintf(format, a...))
	})
	defer resetInfo()

	s := suite.connectedServer(benchPipeline(3), videobackend.NewMock(nil, nil))
	suite.Require().NoError(s.RunProcesses())
	suite.NoError(s.Wait())
	<-s.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	suite.Contains(infos, "[bench] Releasing stage buffers and closing devices...")
	suite.Contains(infos, "[bench] Pipeline stopped")
	suite.Empty(suite.loggedWarnings())
}

func (suite *ServerTestSuite) TestDebugLogsStatusWhileStreaming() {
	resetInterval := streamer.OverloadStatusInterval(time.Millisecond)
	defer resetInterval()

	statusLogged := make(chan struct{})
	var once sync.Once
	resetDebug := overloadDebugLog(func(format string, a ...interface{}) {
		if strings.HasPrefix(format, "[bench] ") && strings.Contains(format, "ticks") {
			once.Do(func() { close(statusLogged) })
		}
	})
	defer resetDebug()

	resolver := resolverFor(benchPipeline(0))
	resolver.values.Debug = true
	s, err := streamer.NewServer(resolver, videobackend.NewMock(nil, nil))
	suite.Require().NoError(err)
	suite.Require().NoError(s.Connect())
	suite.Require().NoError(s.RunProcesses())

	select {
	case <-statusLogged:
	case <-time.After(5 * time.Second):
		suite.Fail("no status logged while streaming")
	}
	<-s.Shutdown()
	suite.NoError(s.Wait())
}

func TestServerTestSuite(t *testing.T) {
	suite.Run(t, &ServerTestSuite{})
}

func TestNewServerReturnsResolveError(t *testing.T) {
	is := is.New(t)

	s, err := streamer.NewServer(testConfigResolver{err: errors.New("no config")}, nil)
	is.True(s == nil)
	is.Equal(err.Error(), "no config")
}

func TestNewServerNeedsAnActivePipeline(t *testing.T) {
	is := is.New(t)

	first, second := benchPipeline(0), benchPipeline(0)
	second.Title = "bench-2"
	s, err := streamer.NewServer(testConfigResolver{values: configdef.Values{
		Pipelines: []configdef.Pipeline{first, second},
	}}, videobackend.NewMock(nil, nil))
	is.True(s == nil)
	is.Equal(err.Error(), "active_pipeline must be set when 2 pipelines are defined")
}

func TestOutcome(t *testing.T) {
	is := is.New(t)

	is.Equal(streamer.Outcome(nil), models.OutcomeStopped)
	is.Equal(streamer.Outcome(xerror.Errorf("%w: 3 ticks", videoerr.ErrFatalStall)), models.OutcomeStalled)
	is.Equal(streamer.Outcome(xerror.Errorf("%w: isp capture slot 1", videoerr.ErrLeakedSlot)), models.OutcomeLeaked)
	is.Equal(streamer.Outcome(xerror.Errorf("%w: dequeue", videoerr.ErrDeviceFault)), models.OutcomeFaulted)
	is.Equal(streamer.Outcome(xerror.Errorf("%w: write", videoerr.ErrSinkFault)), models.OutcomeFaulted)
	is.Equal(streamer.Outcome(errors.New("pipeline already stopped")), models.OutcomeFailed)
}
