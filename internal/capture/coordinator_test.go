package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// settingsBox is a mutable SettingsSource for tests
type settingsBox struct {
	mu sync.Mutex
	s  Settings
}

func (b *settingsBox) CaptureSettings() Settings {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s
}

func (b *settingsBox) update(fn func(*Settings)) {
	b.mu.Lock()
	fn(&b.s)
	b.mu.Unlock()
}

// spyBackend counts Open/Close calls and hands out spyHandles
type spyBackend struct {
	name       string
	rebindable bool

	mu       sync.Mutex
	opens    int
	closes   int
	rebinds  int
	captures int
	openErr  error
	closeErr error
	// produce decides what CaptureOne returns given the backend-wide call count
	produce func(call int) *Frame
}

func (b *spyBackend) Name() string { return b.name }

func (b *spyBackend) Open(ctx context.Context, s Settings) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	if b.openErr != nil {
		return nil, b.openErr
	}
	h := &spyHandle{backend: b}
	if b.rebindable {
		return &rebindHandle{h}, nil
	}
	return h, nil
}

func (b *spyBackend) counts() (opens, closes, rebinds int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens, b.closes, b.rebinds
}

func (b *spyBackend) setOpenErr(err error) {
	b.mu.Lock()
	b.openErr = err
	b.mu.Unlock()
}

type spyHandle struct {
	backend *spyBackend
}

func (h *spyHandle) CaptureOne() *Frame {
	b := h.backend
	b.mu.Lock()
	b.captures++
	call := b.captures
	produce := b.produce
	b.mu.Unlock()
	if produce == nil {
		return nil
	}
	return produce(call)
}

func (h *spyHandle) Close() error {
	b := h.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closes++
	return b.closeErr
}

type rebindHandle struct {
	*spyHandle
}

func (h *rebindHandle) Rebind(s Settings) error {
	h.backend.mu.Lock()
	h.backend.rebinds++
	h.backend.mu.Unlock()
	return nil
}

type fixture struct {
	box  *settingsBox
	dup  *spyBackend
	vcam *spyBackend
	grab *spyBackend
	c    *Coordinator
}

func newFixture(t *testing.T, s Settings) *fixture {
	t.Helper()
	f := &fixture{
		box:  &settingsBox{s: s},
		dup:  &spyBackend{name: "dup"},
		vcam: &spyBackend{name: "vcam"},
		grab: &spyBackend{name: "grab", rebindable: true},
	}
	f.c = New(f.box, map[Method]Backend{
		MethodDuplication:   f.dup,
		MethodVirtualCamera: f.vcam,
		MethodRegionGrab:    f.grab,
	}, WithFrameTimeout(50*time.Millisecond), WithIdleWait(time.Millisecond))
	t.Cleanup(f.c.Quit)
	return f
}

func grabSettings() Settings {
	return Settings{
		Method:       MethodRegionGrab,
		RegionWidth:  320,
		RegionHeight: 320,
		TargetFPS:    60,
		GrabDriver:   "auto",
	}
}

func TestStartOpensSelectedBackend(t *testing.T) {
	f := newFixture(t, grabSettings())
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if opens, _, _ := f.grab.counts(); opens != 1 {
		t.Errorf("grab opens = %d, want 1", opens)
	}
	if f.c.State() != StateRegionGrabActive {
		t.Errorf("state = %v, want %v", f.c.State(), StateRegionGrabActive)
	}
	if f.c.Method() != MethodRegionGrab {
		t.Errorf("method = %v", f.c.Method())
	}
}

func TestStartWithoutMethod(t *testing.T) {
	f := newFixture(t, Settings{})
	err := f.c.Start(context.Background())
	if !errors.Is(err, ErrNoMethodSelected) {
		t.Fatalf("Start error = %v, want ErrNoMethodSelected", err)
	}
	if f.c.State() != StateUninitialized {
		t.Errorf("state = %v", f.c.State())
	}
}

func TestRestartUnchangedIsNoop(t *testing.T) {
	f := newFixture(t, grabSettings())
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	before := f.c.Applied()

	for i := 0; i < 3; i++ {
		if err := f.c.Restart(); err != nil {
			t.Fatalf("Restart: %v", err)
		}
	}

	opens, closes, rebinds := f.grab.counts()
	if opens != 1 || closes != 0 || rebinds != 0 {
		t.Errorf("opens=%d closes=%d rebinds=%d, want 1/0/0", opens, closes, rebinds)
	}
	if f.c.Applied().String() != before.String() {
		t.Errorf("applied changed: %v -> %v", before, f.c.Applied())
	}
}

func TestRestartSwitchGrabToDuplication(t *testing.T) {
	f := newFixture(t, grabSettings())
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.box.update(func(s *Settings) { s.Method = MethodDuplication })
	if err := f.c.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	_, grabCloses, _ := f.grab.counts()
	dupOpens, _, _ := f.dup.counts()
	if grabCloses != 1 {
		t.Errorf("grab closes = %d, want 1", grabCloses)
	}
	if dupOpens != 1 {
		t.Errorf("duplication opens = %d, want 1", dupOpens)
	}
	if f.c.Method() != MethodDuplication {
		t.Errorf("method = %v, want duplication", f.c.Method())
	}
	if f.c.State() != StateDuplicationActive {
		t.Errorf("state = %v", f.c.State())
	}
}

func TestRestartWithNoFlagKeepsCurrentMethod(t *testing.T) {
	f := newFixture(t, grabSettings())
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.box.update(func(s *Settings) { s.Method = MethodNone })
	if err := f.c.Restart(); err != nil {
		t.Fatal(err)
	}

	if f.c.Method() != MethodRegionGrab {
		t.Errorf("method = %v, want region_grab", f.c.Method())
	}
	if opens, closes, _ := f.grab.counts(); opens != 1 || closes != 0 {
		t.Errorf("opens=%d closes=%d", opens, closes)
	}
}

func TestStartFailureThenRestartRecovers(t *testing.T) {
	s := grabSettings()
	s.Method = MethodDuplication
	f := newFixture(t, s)
	f.dup.setOpenErr(errors.New("device busy"))

	err := f.c.Start(context.Background())
	var initErr *BackendInitError
	if !errors.As(err, &initErr) {
		t.Fatalf("Start error = %v, want BackendInitError", err)
	}
	if initErr.Method != MethodDuplication {
		t.Errorf("init error method = %v", initErr.Method)
	}
	if f.c.State() != StateUninitialized {
		t.Fatalf("state = %v, want uninitialized", f.c.State())
	}

	f.dup.setOpenErr(nil)
	if err := f.c.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if f.c.State() != StateDuplicationActive {
		t.Errorf("state = %v, want duplication_active", f.c.State())
	}
}

func TestFailedSwitchRestoresPreviousBackend(t *testing.T) {
	f := newFixture(t, grabSettings())
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.dup.setOpenErr(errors.New("no adapter"))

	f.box.update(func(s *Settings) { s.Method = MethodDuplication })
	if err := f.c.Restart(); err == nil {
		t.Fatal("expected Restart to report the open failure")
	}

	if f.c.Method() != MethodRegionGrab {
		t.Errorf("method = %v, want region_grab restored", f.c.Method())
	}
	if opens, closes, _ := f.grab.counts(); opens != 2 || closes != 1 {
		t.Errorf("grab opens=%d closes=%d, want 2/1", opens, closes)
	}

	// Once the device is back the same settings switch over.
	f.dup.setOpenErr(nil)
	if err := f.c.Restart(); err != nil {
		t.Fatal(err)
	}
	if f.c.Method() != MethodDuplication {
		t.Errorf("method = %v, want duplication", f.c.Method())
	}
}

func TestFailedSwitchWithBrokenPreviousBecomesUninitialized(t *testing.T) {
	f := newFixture(t, grabSettings())
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.dup.setOpenErr(errors.New("no adapter"))
	f.grab.setOpenErr(errors.New("display gone"))

	f.box.update(func(s *Settings) { s.Method = MethodDuplication })
	_ = f.c.Restart()

	if f.c.State() != StateUninitialized {
		t.Errorf("state = %v, want uninitialized", f.c.State())
	}
	if f.c.GetNewFrame() != nil {
		t.Error("expected no frames without a backend")
	}
}

func TestCloseErrorDoesNotBlockSwitch(t *testing.T) {
	f := newFixture(t, grabSettings())
	f.grab.closeErr = errors.New("close failed")
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.box.update(func(s *Settings) { s.Method = MethodVirtualCamera })
	if err := f.c.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if f.c.Method() != MethodVirtualCamera {
		t.Errorf("method = %v, want virtual_camera", f.c.Method())
	}
}

func TestRegionChangeRebindsRegionGrab(t *testing.T) {
	f := newFixture(t, grabSettings())
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.box.update(func(s *Settings) { s.RegionWidth = 640 })
	if err := f.c.Restart(); err != nil {
		t.Fatal(err)
	}

	opens, closes, rebinds := f.grab.counts()
	if opens != 1 || closes != 0 || rebinds != 1 {
		t.Errorf("opens=%d closes=%d rebinds=%d, want 1/0/1", opens, closes, rebinds)
	}
	if f.c.Applied().RegionWidth != 640 {
		t.Errorf("applied width = %d", f.c.Applied().RegionWidth)
	}
}

func TestFPSChangeReopensDuplication(t *testing.T) {
	s := grabSettings()
	s.Method = MethodDuplication
	f := newFixture(t, s)
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.box.update(func(s *Settings) { s.TargetFPS = 144 })
	if err := f.c.Restart(); err != nil {
		t.Fatal(err)
	}

	if opens, closes, _ := f.dup.counts(); opens != 2 || closes != 1 {
		t.Errorf("opens=%d closes=%d, want 2/1", opens, closes)
	}
	if f.c.Applied().TargetFPS != 144 {
		t.Errorf("applied fps = %d", f.c.Applied().TargetFPS)
	}
}

func TestGetNewFrameTimesOut(t *testing.T) {
	f := newFixture(t, grabSettings())
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if frame := f.c.GetNewFrame(); frame != nil {
		t.Fatalf("expected nil frame, got seq %d", frame.Seq)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
}

func TestFramesArriveInOrder(t *testing.T) {
	f := newFixture(t, grabSettings())
	f.grab.produce = func(int) *Frame { return NewFrame(4, 4) }
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	first := f.c.GetNewFrame()
	second := f.c.GetNewFrame()
	if first == nil || second == nil {
		t.Fatal("expected frames")
	}
	if second.Seq <= first.Seq {
		t.Errorf("seq not increasing: %d then %d", first.Seq, second.Seq)
	}
	if stats := f.c.Stats(); stats.Captures == 0 {
		t.Error("stats did not count captures")
	}
}

func TestVirtualCameraReopensAfterMisses(t *testing.T) {
	s := grabSettings()
	s.Method = MethodVirtualCamera
	s.ReopenAfterMisses = 3
	f := newFixture(t, s)
	f.vcam.produce = func(call int) *Frame {
		if call <= 3 {
			return nil
		}
		return NewFrame(2, 2)
	}
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if frame := f.c.GetNewFrame(); frame == nil {
		t.Fatal("expected a frame after reopening")
	}
	if opens, closes, _ := f.vcam.counts(); opens != 2 || closes != 1 {
		t.Errorf("opens=%d closes=%d, want 2/1", opens, closes)
	}
	if got := f.c.Stats().Escalations; got != 1 {
		t.Errorf("escalations = %d, want 1", got)
	}
}

func TestQuitIsIdempotent(t *testing.T) {
	f := newFixture(t, grabSettings())
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.c.Quit()
	f.c.Quit()

	if f.c.State() != StateStopped {
		t.Errorf("state = %v, want stopped", f.c.State())
	}
	if _, closes, _ := f.grab.counts(); closes != 1 {
		t.Errorf("closes = %d, want 1", closes)
	}
	if err := f.c.Restart(); !errors.Is(err, ErrStopped) {
		t.Errorf("Restart after Quit = %v, want ErrStopped", err)
	}
}

func TestQuitBeforeStart(t *testing.T) {
	f := newFixture(t, grabSettings())
	f.c.Quit()
	if err := f.c.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Quit = %v, want ErrStopped", err)
	}
	if opens, _, _ := f.grab.counts(); opens != 0 {
		t.Errorf("opens = %d, want 0", opens)
	}
}

// gate blocks a test double until released. release is safe to call more
// than once so cleanups can always unblock it.
type gate struct {
	entered     chan struct{}
	opened      chan struct{}
	enterOnce   sync.Once
	releaseOnce sync.Once
}

func newGate(t *testing.T) *gate {
	g := &gate{entered: make(chan struct{}), opened: make(chan struct{})}
	t.Cleanup(g.release)
	return g
}

func (g *gate) wait() {
	g.enterOnce.Do(func() { close(g.entered) })
	<-g.opened
}

func (g *gate) release() {
	g.releaseOnce.Do(func() { close(g.opened) })
}

// gatedBackend blocks in Open until its gate is released
type gatedBackend struct {
	*spyBackend
	gate *gate
}

func (b *gatedBackend) Open(ctx context.Context, s Settings) (Handle, error) {
	b.gate.wait()
	return b.spyBackend.Open(ctx, s)
}

func returnsWithin(d time.Duration, fn func()) bool {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

func TestQuitDuringSlowOpen(t *testing.T) {
	g := newGate(t)
	backend := &gatedBackend{spyBackend: &spyBackend{name: "grab"}, gate: g}
	c := New(&settingsBox{s: grabSettings()}, map[Method]Backend{MethodRegionGrab: backend},
		WithIdleWait(time.Millisecond))

	startErr := make(chan error, 1)
	go func() { startErr <- c.Start(context.Background()) }()
	<-g.entered

	quit := make(chan struct{})
	go func() {
		c.Quit()
		close(quit)
	}()
	// Quit closes the stop channel before it waits for the open to finish
	time.Sleep(20 * time.Millisecond)
	g.release()

	select {
	case err := <-startErr:
		if err != nil && !errors.Is(err, ErrStopped) {
			t.Errorf("Start = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return")
	}
	select {
	case <-quit:
	case <-time.After(2 * time.Second):
		t.Fatalf("Quit did not return, state=%v", c.State())
	}

	if c.State() != StateStopped {
		t.Errorf("state = %v, want stopped", c.State())
	}
	if opens, closes, _ := backend.counts(); opens != closes {
		t.Errorf("opens=%d closes=%d, handle leaked", opens, closes)
	}
}

func TestStartRacingQuit(t *testing.T) {
	for i := 0; i < 50; i++ {
		backend := &spyBackend{name: "grab"}
		c := New(&settingsBox{s: grabSettings()}, map[Method]Backend{MethodRegionGrab: backend},
			WithIdleWait(time.Millisecond))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			c.Quit()
		}()
		if !returnsWithin(2*time.Second, wg.Wait) {
			t.Fatalf("iteration %d: Start and Quit did not both return", i)
		}

		if c.State() != StateStopped {
			t.Fatalf("iteration %d: state = %v, want stopped", i, c.State())
		}
		if opens, closes, _ := backend.counts(); opens != closes {
			t.Fatalf("iteration %d: opens=%d closes=%d", i, opens, closes)
		}
	}
}

func blockFirstCapture(g *gate) func(call int) *Frame {
	return func(call int) *Frame {
		if call == 1 {
			g.wait()
		}
		return nil
	}
}

func TestQuitWaitsForBlockedCapture(t *testing.T) {
	f := newFixture(t, grabSettings())
	g := newGate(t)
	f.grab.produce = blockFirstCapture(g)
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-g.entered

	quit := make(chan struct{})
	go func() {
		f.c.Quit()
		close(quit)
	}()
	select {
	case <-quit:
		t.Fatal("Quit returned while CaptureOne was running")
	case <-time.After(50 * time.Millisecond):
	}
	if _, closes, _ := f.grab.counts(); closes != 0 {
		t.Fatal("handle closed while CaptureOne was running")
	}

	g.release()
	select {
	case <-quit:
	case <-time.After(2 * time.Second):
		t.Fatal("Quit did not return after CaptureOne finished")
	}
	if _, closes, _ := f.grab.counts(); closes != 1 {
		t.Errorf("closes = %d, want 1", closes)
	}
}

func TestRestartWaitsForBlockedCapture(t *testing.T) {
	f := newFixture(t, grabSettings())
	g := newGate(t)
	f.grab.produce = blockFirstCapture(g)
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-g.entered

	f.box.update(func(s *Settings) { s.Method = MethodVirtualCamera })
	restarted := make(chan error, 1)
	go func() { restarted <- f.c.Restart() }()

	time.Sleep(50 * time.Millisecond)
	if _, closes, _ := f.grab.counts(); closes != 0 {
		t.Fatal("handle closed while CaptureOne was running")
	}
	if f.c.State() != StateRegionGrabActive {
		t.Errorf("state = %v while capturing, want region_grab_active", f.c.State())
	}

	g.release()
	select {
	case err := <-restarted:
		if err != nil {
			t.Fatalf("Restart: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Restart did not return after CaptureOne finished")
	}
	if _, closes, _ := f.grab.counts(); closes != 1 {
		t.Errorf("grab closes = %d, want 1", closes)
	}
	if f.c.Method() != MethodVirtualCamera {
		t.Errorf("method = %v, want virtual_camera", f.c.Method())
	}
}

func TestQueuedFrameDoesNotModifyBackendFrame(t *testing.T) {
	f := newFixture(t, grabSettings())
	src := NewFrame(2, 2)
	f.grab.produce = func(int) *Frame { return src }
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := f.c.GetNewFrame()
	if got == nil {
		t.Fatal("expected a frame")
	}
	if got == src {
		t.Error("queue handed out the backend's frame")
	}
	if got.Seq == 0 {
		t.Error("queued frame has no sequence")
	}
	if src.Seq != 0 {
		t.Errorf("backend frame seq = %d, want 0", src.Seq)
	}
	if &got.Pix[0] != &src.Pix[0] {
		t.Error("pixels were copied")
	}
}
