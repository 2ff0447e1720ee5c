package shm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fmq-go/fmq/pkg/log"
	"github.com/fmq-go/fmq/pkg/transport"
)

// Manager defaults.
const (
	DefaultSegmentSize = 32 << 20
	DefaultInterval    = 50 * time.Millisecond
)

// ErrManagerClosed is returned by a closed Manager.
var ErrManagerClosed = errors.New("shm manager closed")

// Config configures a Manager.
type Config struct {
	// Session scopes segment names.
	Session string

	// UID scopes segment names; -1 uses the process user id.
	UID int

	// Dir holds segment files; empty uses ResolveDir.
	Dir string

	// SegmentSize is the size of the main segment when this process
	// creates it.
	SegmentSize uint64

	// Interval is how often region counters are checked for remote
	// attachments.
	Interval time.Duration

	DeviceID    string
	Logger      *slog.Logger
	EventLogger log.Logger
}

// DefaultConfig returns a configuration for session "default".
func DefaultConfig() Config {
	return Config{
		Session:     "default",
		UID:         -1,
		SegmentSize: DefaultSegmentSize,
		Interval:    DefaultInterval,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Session == "" {
		return errors.New("session is required")
	}
	if c.SegmentSize != 0 && c.SegmentSize < HeaderSize+minBlock {
		return fmt.Errorf("segment size %d is too small", c.SegmentSize)
	}
	return nil
}

// Manager owns a session's main segment, the unmanaged regions this
// process created and the segments it attached on behalf of received
// messages.
type Manager struct {
	cfg      Config
	shmID    string
	dir      string
	main     *Segment
	dispatch *Dispatcher

	mu       sync.Mutex
	own      map[string]*Region
	attached map[string]*Segment
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager attaches (or creates) the session's main segment and starts
// the housekeeping goroutine.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.UID < 0 {
		cfg.UID = os.Getuid()
	}
	if cfg.SegmentSize == 0 {
		cfg.SegmentSize = DefaultSegmentSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	m := &Manager{
		cfg:      cfg,
		shmID:    ShmID(cfg.Session, cfg.UID),
		dir:      ResolveDir(cfg.Dir),
		own:      make(map[string]*Region),
		attached: make(map[string]*Segment),
		stop:     make(chan struct{}),
	}

	main, err := CreateOrOpen(m.dir, MainName(m.shmID), cfg.SegmentSize, 0)
	if err != nil {
		return nil, fmt.Errorf("main segment: %w", err)
	}
	m.main = main
	m.dispatch = NewDispatcher()

	kind := log.RegionAttached
	if main.Created() {
		kind = log.RegionCreated
	}
	m.regionEvent(kind, main.Name(), 0, main.Size(), main.Attachments())
	m.debugLog("main segment ready", "segment", main.Name(), "created", main.Created(), "size", main.Size())

	m.wg.Add(1)
	go m.housekeeping()
	return m, nil
}

// ShmID returns the session's name prefix.
func (m *Manager) ShmID() string { return m.shmID }

// Dir returns the segment directory.
func (m *Manager) Dir() string { return m.dir }

// Main returns the managed segment.
func (m *Manager) Main() *Segment { return m.main }

// CreateRegion creates an unmanaged region with at least size usable
// bytes. cb receives its events on the housekeeping goroutine.
func (m *Manager) CreateRegion(size uint64, flags int64, cb transport.RegionEventCallback) (*Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: region size must be positive", ErrTooSmall)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.mu.Unlock()

	id := m.main.NextRegionID()
	name := RegionName(m.shmID, id)
	arena := (size + blockAlign - 1) &^ (blockAlign - 1)
	if arena < minBlock {
		arena = minBlock
	}
	seg, err := CreateSegment(m.dir, name, HeaderSize+arena, flags)
	if err != nil {
		return nil, err
	}

	r := &Region{mgr: m, id: id, seg: seg, size: size, flags: flags, cb: cb}
	m.mu.Lock()
	m.own[name] = r
	m.mu.Unlock()

	m.regionEvent(log.RegionCreated, name, id, size, 1)
	m.debugLog("region created", "segment", name, "size", size)
	return r, nil
}

// Segment returns the segment called name, attaching it on first use.
// Views into it must Pin the segment for as long as they live.
func (m *Manager) Segment(name string) (*Segment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if name == m.main.Name() {
		return m.main, nil
	}
	if r, ok := m.own[name]; ok {
		return r.seg, nil
	}
	if seg, ok := m.attached[name]; ok {
		return seg, nil
	}

	seg, err := OpenSegment(m.dir, name)
	if err != nil {
		return nil, err
	}
	m.attached[name] = seg
	m.regionEvent(log.RegionAttached, name, 0, seg.Size(), seg.Attachments())
	m.debugLog("segment attached", "segment", name)
	return seg, nil
}

// Bytes resolves a region reference to the bytes it names.
func (m *Manager) Bytes(ref transport.RegionRef) ([]byte, *Segment, error) {
	seg, err := m.Segment(ref.Segment)
	if err != nil {
		return nil, nil, err
	}
	if ref.Size == 0 {
		return nil, seg, nil
	}
	b, err := seg.Bytes(ref.Offset, ref.Size)
	if err != nil {
		return nil, nil, err
	}
	return b, seg, nil
}

// Close releases every region and attachment.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	own := make([]*Region, 0, len(m.own))
	for _, r := range m.own {
		own = append(own, r)
	}
	attached := m.attached
	m.attached = nil
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()

	var errs []error
	for _, r := range own {
		if err := r.close(); err != nil {
			errs = append(errs, err)
		}
	}
	for name, seg := range attached {
		left, err := seg.Close()
		if err != nil {
			errs = append(errs, err)
		}
		m.regionEvent(log.RegionDetached, name, 0, seg.Size(), left)
	}
	left, err := m.main.Close()
	if err != nil {
		errs = append(errs, err)
	}
	kind := log.RegionDetached
	if left == 0 {
		kind = log.RegionDestroyed
	}
	m.regionEvent(kind, m.main.Name(), 0, m.main.Size(), left)

	m.dispatch.Close()
	return errors.Join(errs...)
}

func (m *Manager) housekeeping() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkRegions()
		}
	}
}

// checkRegions reports regions that another process attached.
func (m *Manager) checkRegions() {
	m.mu.Lock()
	var seen []*Region
	for _, r := range m.own {
		if !r.remoteSeen && r.seg.Attachments() > 1 {
			r.remoteSeen = true
			seen = append(seen, r)
		}
	}
	m.mu.Unlock()

	for _, r := range seen {
		r.notify(transport.RegionCreated)
	}
}

func (m *Manager) regionEvent(kind log.RegionEventKind, name string, id, size uint64, attachments uint32) {
	if m.cfg.EventLogger == nil {
		return
	}
	m.cfg.EventLogger.Log(log.Event{
		Timestamp: time.Now(),
		DeviceID:  m.cfg.DeviceID,
		Layer:     log.LayerDevice,
		Category:  log.CategoryRegion,
		Transport: string(transport.KindShmem),
		Region:    &log.RegionEventData{
			Kind:        kind,
			Segment:     name,
			RegionID:    id,
			Size:        size,
			Attachments: attachments,
		},
	})
}

func (m *Manager) debugLog(msg string, args ...any) {
	if m.cfg.Logger != nil {
		m.cfg.Logger.Debug(msg, append([]any{"shm_id", m.shmID}, args...)...)
	}
}

// Region is an unmanaged region created by this process.
type Region struct {
	mgr   *Manager
	id    uint64
	seg   *Segment
	size  uint64
	flags int64
	cb    transport.RegionEventCallback

	// remoteSeen is guarded by mgr.mu.
	remoteSeen bool
	closeOnce  sync.Once
	closeErr   error
}

// ID returns the region id.
func (r *Region) ID() uint64 { return r.id }

// Name returns the segment name.
func (r *Region) Name() string { return r.seg.Name() }

// Size returns the requested size.
func (r *Region) Size() uint64 { return r.size }

// Flags returns the user flags.
func (r *Region) Flags() int64 { return r.flags }

// Segment returns the backing segment.
func (r *Region) Segment() *Segment { return r.seg }

// Data returns the region's usable bytes.
func (r *Region) Data() []byte { return r.seg.Arena()[:r.size] }

// Close releases the region. Its callback receives RegionDestroyed.
func (r *Region) Close() error {
	m := r.mgr
	m.mu.Lock()
	delete(m.own, r.seg.Name())
	m.mu.Unlock()
	return r.close()
}

func (r *Region) close() error {
	r.closeOnce.Do(func() {
		left, err := r.seg.Close()
		r.closeErr = err
		kind := log.RegionDetached
		if left == 0 {
			kind = log.RegionDestroyed
		}
		r.mgr.regionEvent(kind, r.seg.Name(), r.id, r.size, left)
		r.notify(transport.RegionDestroyed)
	})
	return r.closeErr
}

func (r *Region) notify(ev transport.RegionEvent) {
	if r.cb == nil {
		return
	}
	info := transport.RegionInfo{ID: r.id, Name: r.seg.Name(), Size: r.size, Flags: r.flags, Event: ev}
	cb := r.cb
	r.mgr.dispatch.Post(func() { cb(info) })
}
