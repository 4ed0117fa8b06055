package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/andrej220/sshgate/pkg/lg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type spyStrategy struct {
	method Method
	result Result
	calls  atomic.Int32
	panics bool
}

func (s *spyStrategy) Method() Method { return s.method }

func (s *spyStrategy) Execute(ctx context.Context, t Target) Result {
	s.calls.Add(1)
	if s.panics {
		panic("boom")
	}
	return s.result
}

func intPtr(v int) *int { return &v }

func validTarget() Target {
	return Target{Host: "10.0.0.5", Username: "alice", Password: "secret", Command: "whoami"}
}

func newSpies() (*spyStrategy, *spyStrategy) {
	cl := &spyStrategy{method: MethodCommandLine, result: Result{Success: true, Output: "from-cli", ExitCode: intPtr(0), Method: MethodCommandLine}}
	se := &spyStrategy{method: MethodSession, result: Result{Success: true, Output: "from-session", ExitCode: intPtr(0), Method: MethodSession}}
	return cl, se
}

func TestDispatcherRejectsInvalidTargets(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Target)
	}{
		{"missing host", func(t *Target) { t.Host = "" }},
		{"blank host", func(t *Target) { t.Host = "   " }},
		{"missing username", func(t *Target) { t.Username = "" }},
		{"missing password", func(t *Target) { t.Password = "" }},
		{"missing command", func(t *Target) { t.Command = "" }},
		{"port out of range", func(t *Target) { t.Port = 70000 }},
		{"negative port", func(t *Target) { t.Port = -1 }},
		{"host looks like an option", func(t *Target) { t.Host = "-oProxyCommand=sh" }},
		{"username looks like an option", func(t *Target) { t.Username = "-l" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cl, se := newSpies()
			detector := &countingDetector{available: true}
			d := NewDispatcher(cl, se, detector)

			target := validTarget()
			tt.mutate(&target)
			res := d.Execute(context.Background(), target, MethodAuto)

			assert.False(t, res.Success)
			assert.Equal(t, KindValidation, res.Kind)
			assert.NotEmpty(t, res.Error)
			assert.Empty(t, res.Output)
			assert.Zero(t, cl.calls.Load())
			assert.Zero(t, se.calls.Load())
			assert.Zero(t, detector.calls.Load(), "validation must run before capability detection")
		})
	}
}

func TestDispatcherValidationNamesMissingFields(t *testing.T) {
	cl, se := newSpies()
	d := NewDispatcher(cl, se, &countingDetector{available: true})

	res := d.Execute(context.Background(), Target{Host: "h", Command: "ls"}, MethodAuto)

	assert.Contains(t, res.Error, "username")
	assert.Contains(t, res.Error, "password")
}

func TestDispatcherUsesCommandLineWhenAvailable(t *testing.T) {
	cl, se := newSpies()
	cl.result = Result{Success: true, Output: "alice", ExitCode: intPtr(0), Method: MethodCommandLine}
	d := NewDispatcher(cl, se, &countingDetector{available: true})

	res := d.Execute(context.Background(), validTarget(), MethodAuto)

	require.True(t, res.Success)
	assert.Equal(t, "alice", res.Output)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Equal(t, MethodCommandLine, res.Method)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, int32(1), cl.calls.Load())
	assert.Zero(t, se.calls.Load())
}

func TestDispatcherFallsBackWhenHelperMissing(t *testing.T) {
	cl, se := newSpies()
	cl.result = Result{Success: false, Error: "sshpass: not found", Method: MethodCommandLine, Kind: KindCapabilityUnavailable, FallbackNeeded: true}
	d := NewDispatcher(cl, se, &countingDetector{available: true})

	res := d.Execute(context.Background(), validTarget(), MethodAuto)

	assert.True(t, res.Success)
	assert.Equal(t, MethodSession, res.Method)
	assert.True(t, res.FallbackUsed)
	assert.False(t, res.FallbackNeeded)
	assert.Equal(t, "from-session", res.Output)
	assert.Equal(t, int32(1), cl.calls.Load())
	assert.Equal(t, int32(1), se.calls.Load())
}

func TestDispatcherFallbackFailureIsReported(t *testing.T) {
	cl, se := newSpies()
	cl.result = Result{Success: false, Error: "sshpass: not found", Method: MethodCommandLine, Kind: KindCapabilityUnavailable, FallbackNeeded: true}
	se.result = Result{Success: false, Error: "ssh handshake: unable to authenticate", Method: MethodSession, Kind: KindTransport}
	d := NewDispatcher(cl, se, &countingDetector{available: true})

	res := d.Execute(context.Background(), validTarget(), MethodAuto)

	assert.False(t, res.Success)
	assert.Equal(t, MethodSession, res.Method)
	assert.Equal(t, KindTransport, res.Kind)
	assert.True(t, res.FallbackUsed)
	assert.Contains(t, res.Error, "unable to authenticate")
}

func TestDispatcherNoFallbackOnOrdinaryFailure(t *testing.T) {
	cl, se := newSpies()
	cl.result = Result{Success: false, Error: "permission denied", ExitCode: intPtr(1), Method: MethodCommandLine, Kind: KindRemoteExitNonZero}
	d := NewDispatcher(cl, se, &countingDetector{available: true})

	res := d.Execute(context.Background(), validTarget(), MethodAuto)

	assert.False(t, res.Success)
	assert.Equal(t, MethodCommandLine, res.Method)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, "permission denied", res.Error)
	assert.Zero(t, se.calls.Load())
}

func TestDispatcherEagerFallback(t *testing.T) {
	cl, se := newSpies()
	cl.result = Result{Success: false, Error: "permission denied", ExitCode: intPtr(1), Method: MethodCommandLine, Kind: KindRemoteExitNonZero}
	d := NewDispatcher(cl, se, &countingDetector{available: true}, WithEagerFallback(true))

	res := d.Execute(context.Background(), validTarget(), MethodAuto)

	assert.True(t, res.Success)
	assert.Equal(t, MethodSession, res.Method)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, int32(1), se.calls.Load())
}

func TestDispatcherSkipsCommandLineWhenUnavailable(t *testing.T) {
	cl, se := newSpies()
	detector := &countingDetector{available: false}
	d := NewDispatcher(cl, se, detector)

	for i := 0; i < 3; i++ {
		res := d.Execute(context.Background(), validTarget(), MethodAuto)
		assert.True(t, res.Success)
		assert.Equal(t, MethodSession, res.Method)
		assert.False(t, res.FallbackUsed)
	}

	assert.Zero(t, cl.calls.Load())
	assert.Equal(t, int32(3), se.calls.Load())
	assert.Equal(t, int32(1), detector.calls.Load())
	assert.Equal(t, CapabilityUnavailable, d.Capability())
}

func TestDispatcherSessionOverrideSkipsDetection(t *testing.T) {
	cl, se := newSpies()
	detector := &countingDetector{available: true}
	d := NewDispatcher(cl, se, detector)

	res := d.Execute(context.Background(), validTarget(), MethodSession)

	assert.Equal(t, MethodSession, res.Method)
	assert.Zero(t, cl.calls.Load())
	assert.Zero(t, detector.calls.Load())
	assert.Equal(t, CapabilityUnknown, d.Capability())
}

func TestDispatcherCommandLineOverrideSkipsDetectionAndFallback(t *testing.T) {
	cl, se := newSpies()
	cl.result = Result{Success: false, Error: "sshpass: not found", Method: MethodCommandLine, Kind: KindCapabilityUnavailable, FallbackNeeded: true}
	detector := &countingDetector{available: false}
	d := NewDispatcher(cl, se, detector)

	res := d.Execute(context.Background(), validTarget(), MethodCommandLine)

	assert.False(t, res.Success)
	assert.Equal(t, MethodCommandLine, res.Method)
	assert.Equal(t, KindCapabilityUnavailable, res.Kind)
	assert.Zero(t, detector.calls.Load())
	assert.Zero(t, se.calls.Load())
}

func TestDispatcherUnknownOverride(t *testing.T) {
	cl, se := newSpies()
	d := NewDispatcher(cl, se, &countingDetector{available: true})

	res := d.Execute(context.Background(), validTarget(), Method("telnet"))

	assert.Equal(t, KindValidation, res.Kind)
	assert.Zero(t, cl.calls.Load())
	assert.Zero(t, se.calls.Load())
}

func TestDispatcherRecoversFromPanickingStrategy(t *testing.T) {
	cl, se := newSpies()
	se.panics = true
	d := NewDispatcher(cl, se, &countingDetector{available: false})

	res := d.Execute(context.Background(), validTarget(), MethodAuto)

	assert.False(t, res.Success)
	assert.Equal(t, KindInternal, res.Kind)
	assert.Equal(t, MethodSession, res.Method)
	assert.Contains(t, res.Error, "boom")
}

type logEntry struct {
	msg    string
	fields map[string]any
}

// recordingLogger keeps every entry together with the fields added by With.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	fields  []lg.Field
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) record(msg string, fields ...lg.Field) {
	all := map[string]any{}
	for _, f := range append(append([]lg.Field(nil), l.fields...), fields...) {
		if f.String != "" {
			all[f.Key] = f.String
		} else {
			all[f.Key] = f.Interface
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, logEntry{msg: msg, fields: all})
}

func (l *recordingLogger) Info(msg string, fields ...lg.Field)  { l.record(msg, fields...) }
func (l *recordingLogger) Error(msg string, fields ...lg.Field) { l.record(msg, fields...) }
func (l *recordingLogger) Debug(msg string, fields ...lg.Field) { l.record(msg, fields...) }
func (l *recordingLogger) Warn(msg string, fields ...lg.Field)  { l.record(msg, fields...) }
func (l *recordingLogger) Sync() error                          { return nil }

func (l *recordingLogger) With(fields ...lg.Field) lg.Logger {
	return &recordingLogger{mu: l.mu, entries: l.entries, fields: append(append([]lg.Field(nil), l.fields...), fields...)}
}

func (l *recordingLogger) find(msg string) (logEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range *l.entries {
		if e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

func TestDispatcherLogsPanicWithRequestFields(t *testing.T) {
	cl, se := newSpies()
	se.panics = true
	d := NewDispatcher(cl, se, &countingDetector{available: false}, WithLogger(lg.Discard))
	rec := newRecordingLogger()
	ctx := lg.Attach(context.Background(), rec.With(lg.String("exuid", "run-42")))

	res := d.Execute(ctx, validTarget(), MethodAuto)
	require.Equal(t, KindInternal, res.Kind)

	entry, ok := rec.find("strategy panicked")
	require.True(t, ok)
	assert.Equal(t, "run-42", entry.fields["exuid"])
	assert.Equal(t, "10.0.0.5:22", entry.fields["remote"])
	assert.Equal(t, "session", entry.fields["method"])
}

func TestDispatcherDoesNotFallBackAfterCancellation(t *testing.T) {
	cl, se := newSpies()
	cl.result = Result{Success: false, Error: "sshpass: not found", Method: MethodCommandLine, Kind: KindCapabilityUnavailable, FallbackNeeded: true}
	d := NewDispatcher(cl, se, nil, WithCapabilityCache(NewResolvedCache(CapabilityAvailable)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := d.Execute(ctx, validTarget(), MethodAuto)

	assert.Equal(t, MethodCommandLine, res.Method)
	assert.Zero(t, se.calls.Load())
}

func TestDispatcherFillsMissingMethod(t *testing.T) {
	cl, se := newSpies()
	se.result = Result{Success: true, Output: "x"}
	d := NewDispatcher(cl, se, nil, WithCapabilityCache(NewResolvedCache(CapabilityUnavailable)))

	res := d.Execute(context.Background(), validTarget(), MethodAuto)

	assert.Equal(t, MethodSession, res.Method)
}

func TestParseMethod(t *testing.T) {
	tests := []struct {
		in      string
		want    Method
		wantErr bool
	}{
		{"", MethodAuto, false},
		{"auto", MethodAuto, false},
		{"command-line", MethodCommandLine, false},
		{"sshpass", MethodCommandLine, false},
		{"session", MethodSession, false},
		{"ssh2", MethodSession, false},
		{"telnet", MethodAuto, true},
	}
	for _, tt := range tests {
		got, err := ParseMethod(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrUnknownMethod, tt.in)
			continue
		}
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
