package device

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fmq-go/fmq/pkg/fsm"
	"github.com/fmq-go/fmq/pkg/metrics"
	"github.com/fmq-go/fmq/pkg/property"
	"github.com/fmq-go/fmq/pkg/ratelimit"
	"github.com/fmq-go/fmq/pkg/transport"
)

// pollInterval bounds a single poll of the data loop.
const pollInterval = 200

func (d *Device) handleState(ctx context.Context, s fsm.State) error {
	switch s {
	case fsm.InitializingDevice:
		<-ctx.Done()
		if d.life.Err() != nil {
			return nil
		}
		return d.initDevice()

	case fsm.Binding:
		return d.bindChannels(ctx)

	case fsm.Connecting:
		return d.connectChannels(ctx)

	case fsm.InitializingTask:
		if h, ok := d.task.(TaskIniter); ok {
			return h.InitTask(ctx, d)
		}
		return nil

	case fsm.Running:
		return d.running(ctx)

	case fsm.Paused:
		d.resumeTransports(ctx)
		<-ctx.Done()
		return nil

	case fsm.ResettingTask:
		if h, ok := d.task.(TaskResetter); ok {
			return h.ResetTask(ctx, d)
		}
		return nil

	case fsm.ResettingDevice:
		var err error
		if h, ok := d.task.(Resetter); ok {
			err = h.Reset(ctx, d)
		}
		return errors.Join(err, d.teardown())

	case fsm.Exiting, fsm.Exited, fsm.Error:
		return d.teardown()

	default:
		// Stable states wait for the next transition.
		<-ctx.Done()
		return nil
	}
}

// initDevice runs the Init hook and builds every configured channel.
func (d *Device) initDevice() error {
	if h, ok := d.task.(Initer); ok {
		if err := h.Init(d.life, d); err != nil {
			return err
		}
	}

	kind := d.cfg.Transport
	if v := d.props.GetAsString(KeyTransport); v != "" {
		kind = transport.Kind(v)
	}
	kind, err := transport.ParseKind(string(kind))
	if err != nil {
		return err
	}

	tcfg := transport.Config{
		ID:          d.id,
		Session:     d.cfg.Session,
		ShmDir:      d.cfg.ShmDir,
		SegmentSize: d.cfg.SegmentSize,
		Logger:      d.logger,
	}
	if d.cfg.EventLogger != nil {
		tcfg.EventLogger = d.events
	}
	if v := d.props.GetAsString(KeySession); v != "" {
		tcfg.Session = v
	}
	if v := d.props.GetAsString(KeyShmDir); v != "" {
		tcfg.ShmDir = v
	}
	if d.props.Has(KeyShmSegmentSize) {
		if tcfg.SegmentSize, err = d.props.GetUint64(KeyShmSegmentSize); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	rate := d.cfg.Rate
	if d.props.Has(KeyRate) {
		if rate, err = d.props.GetFloat(KeyRate); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	initTimeout := d.cfg.InitTimeout
	if d.props.Has(KeyInitTimeout) {
		secs, err := d.props.GetInt(KeyInitTimeout)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		initTimeout = time.Duration(secs) * time.Second
	}
	if initTimeout <= 0 {
		initTimeout = DefaultInitTimeout
	}

	type pending struct {
		name  string
		index int
		cfg   ChannelConfig
	}
	var (
		todo []pending
		errs []error
	)
	for _, name := range d.props.ChannelNames() {
		for i := range d.props.ChannelCount(name) {
			cfg, err := channelConfigFromStore(d.props, name, i)
			if err == nil {
				err = cfg.Validate(name)
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", channelLabel(name, i), err))
				continue
			}
			if cfg.Transport == "" {
				cfg.Transport = kind
			}
			todo = append(todo, pending{name, i, cfg})
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	factories := make(map[transport.Kind]transport.Factory)
	channels := make(map[string][]*Channel)
	fail := func(err error) error {
		for _, chans := range channels {
			for _, c := range chans {
				_ = c.close()
			}
		}
		for _, f := range factories {
			_ = f.Close()
		}
		return err
	}

	factory := func(k transport.Kind) (transport.Factory, error) {
		k, err := transport.ParseKind(string(k))
		if err != nil {
			return nil, err
		}
		if f, ok := factories[k]; ok {
			return f, nil
		}
		f, err := transport.NewFactory(k, tcfg)
		if err != nil {
			return nil, err
		}
		factories[k] = f
		d.debugLog("transport created", "transport", k)
		return f, nil
	}

	if _, err := factory(kind); err != nil {
		return fail(err)
	}
	for _, p := range todo {
		f, err := factory(p.cfg.Transport)
		if err != nil {
			return fail(fmt.Errorf("%s: %w", channelLabel(p.name, p.index), err))
		}
		c, err := newChannel(d, p.name, p.index, p.cfg, f)
		if err != nil {
			return fail(err)
		}
		channels[p.name] = append(channels[p.name], c)
	}

	d.mu.Lock()
	d.factories = factories
	d.defaultKind = kind
	d.channels = channels
	d.rate = rate
	d.initTimeout = initTimeout
	d.mu.Unlock()

	d.debugLog("device initialized", "channels", len(todo), "transport", kind)
	return nil
}

// allChannels returns every channel ordered by name and index.
func (d *Device) allChannels() []*Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Channel
	for _, name := range d.channelNamesLocked() {
		out = append(out, d.channels[name]...)
	}
	return out
}

func (d *Device) bindChannels(ctx context.Context) error {
	for _, c := range d.allChannels() {
		if err := c.bind(); err != nil {
			return err
		}
		if len(c.endpoints) > 0 {
			d.props.Set(property.ChannelKey(c.name, c.index, "address"), c.address())
		}
	}
	if h, ok := d.task.(Binder); ok {
		return h.Bind(ctx, d)
	}
	return nil
}

func (d *Device) connectChannels(ctx context.Context) error {
	d.mu.RLock()
	timeout := d.initTimeout
	d.mu.RUnlock()

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, c := range d.allChannels() {
		if !c.hasConnect() {
			continue
		}
		if err := c.connect(wctx); err != nil {
			return err
		}
	}
	if h, ok := d.task.(Connecter); ok {
		return h.Connect(ctx, d)
	}
	return nil
}

// waitForAddress blocks until the address property of a sub-channel is
// set, so another component can supply it after the device started.
func (d *Device) waitForAddress(ctx context.Context, name string, index int) (string, error) {
	key := property.ChannelKey(name, index, "address")
	changed := make(chan struct{}, 1)
	h := d.props.Subscribe(key, func(string, any) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer d.props.Unsubscribe(h)

	d.debugLog("waiting for channel address", "channel", channelLabel(name, index))
	for {
		if addr := d.props.GetAsString(key); addr != "" {
			return addr, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w: %s", ErrInitTimeout, key)
			}
			return "", ctx.Err()
		}
	}
}

// running executes the RUNNING state: PreRun, the run hook or data loop,
// then PostRun. A run that ends on its own requests STOP.
func (d *Device) running(ctx context.Context) error {
	d.resumeTransports(ctx)

	if h, ok := d.task.(PreRunner); ok {
		if err := h.PreRun(ctx, d); err != nil {
			return err
		}
	}

	rl := metrics.NewRateLogger(d.logger, 0)
	for _, c := range d.allChannels() {
		rl.Add(c.Label(), c.socket, time.Duration(c.cfg.RateLogging)*time.Second)
	}
	if rl.Len() > 0 {
		go rl.Run(ctx)
	}

	err := d.runTask(ctx)
	if err != nil && ctx.Err() != nil &&
		(errors.Is(err, transport.ErrInterrupted) || errors.Is(err, context.Canceled)) {
		err = nil
	}
	if err != nil {
		return err
	}

	if h, ok := d.task.(PostRunner); ok {
		if err := h.PostRun(ctx, d); err != nil {
			return err
		}
	}

	if ctx.Err() == nil && !d.NewStatePending() {
		d.debugLog("run returned, stopping")
		if err := d.machine.ChangeState(fsm.Stop); err != nil {
			d.debugLog("stop after run", "error", err)
		}
	}
	return nil
}

func (d *Device) runTask(ctx context.Context) error {
	if h, ok := d.task.(Runner); ok {
		return h.Run(ctx, d)
	}

	if h, ok := d.task.(ConditionalRunner); ok {
		d.mu.RLock()
		limiter := ratelimit.NewIterationLimiter(d.rate)
		d.mu.RUnlock()
		for ctx.Err() == nil {
			more, err := h.ConditionalRun(ctx, d)
			if err != nil || !more {
				return err
			}
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		return nil
	}

	d.mu.RLock()
	handlers := len(d.onData) + len(d.onParts)
	d.mu.RUnlock()
	if handlers > 0 {
		return d.dataLoop(ctx)
	}

	<-ctx.Done()
	return nil
}

type dataItem struct {
	c       *Channel
	onData  DataFunc
	onParts PartsFunc
}

// dataLoop polls the channels with data callbacks and dispatches every
// received transmission.
func (d *Device) dataLoop(ctx context.Context) error {
	d.mu.RLock()
	var items []dataItem
	names := make([]string, 0, len(d.onData)+len(d.onParts))
	for name := range d.onData {
		names = append(names, name)
	}
	for name := range d.onParts {
		names = append(names, name)
	}
	sort.Strings(names)
	var missing []string
	for _, name := range names {
		chans := d.channels[name]
		if len(chans) == 0 {
			missing = append(missing, name)
		}
		for _, c := range chans {
			items = append(items, dataItem{c: c, onData: d.onData[name], onParts: d.onParts[name]})
		}
	}
	d.mu.RUnlock()

	if len(missing) > 0 {
		return fmt.Errorf("%w: data callbacks for %v", ErrChannelNotFound, missing)
	}

	groups, err := groupByTransport(items)
	if err != nil {
		return err
	}
	defer func() {
		for _, g := range groups {
			_ = g.poller.Close()
		}
	}()

	var mu sync.Mutex
	if len(groups) == 1 {
		return d.pollLoop(ctx, groups[0], &mu)
	}

	// One poller per transport, each on its own goroutine. Callbacks
	// still run one at a time; the first group to finish ends the rest.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errs := make([]error, len(groups))
	var wg sync.WaitGroup
	for i, g := range groups {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			errs[i] = d.pollLoop(ctx, g, &mu)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// pollGroup is the data channels of one transport factory.
type pollGroup struct {
	factory transport.Factory
	poller  transport.Poller
	items   []dataItem
}

func groupByTransport(items []dataItem) ([]*pollGroup, error) {
	var groups []*pollGroup
	byFactory := make(map[transport.Factory]*pollGroup)
	for _, it := range items {
		g, ok := byFactory[it.c.factory]
		if !ok {
			g = &pollGroup{factory: it.c.factory}
			byFactory[it.c.factory] = g
			groups = append(groups, g)
		}
		g.items = append(g.items, it)
	}

	for i, g := range groups {
		pollables := make([]transport.Pollable, len(g.items))
		for j, it := range g.items {
			pollables[j] = it.c.socket
		}
		p, err := g.factory.CreatePoller(pollables...)
		if err != nil {
			for _, done := range groups[:i] {
				_ = done.poller.Close()
			}
			return nil, err
		}
		g.poller = p
	}
	return groups, nil
}

func (d *Device) pollLoop(ctx context.Context, g *pollGroup, mu *sync.Mutex) error {
	for ctx.Err() == nil {
		ready, err := g.poller.Poll(pollInterval)
		if err != nil {
			if transport.IsFatal(err) {
				return err
			}
			continue
		}
		for _, r := range ready {
			if !r.In {
				continue
			}
			mu.Lock()
			if ctx.Err() != nil {
				mu.Unlock()
				return nil
			}
			more, err := d.dispatch(g.items[r.Index])
			mu.Unlock()
			if err != nil || !more {
				return err
			}
		}
	}
	return nil
}

func (d *Device) dispatch(it dataItem) (bool, error) {
	if it.onParts != nil {
		parts := transport.NewParts()
		if _, err := it.c.ReceiveParts(parts, 0); err != nil {
			parts.Close()
			return true, fatalOnly(err)
		}
		return it.onParts(parts, it.c.index), nil
	}

	msg, err := it.c.NewMessage()
	if err != nil {
		return false, err
	}
	if _, err := it.c.Receive(msg, 0); err != nil {
		msg.Close()
		if errors.Is(err, transport.ErrMultipart) {
			return false, fmt.Errorf("%s: %w; register with OnParts", it.c.Label(), err)
		}
		return true, fatalOnly(err)
	}
	return it.onData(msg, it.c.index), nil
}

func fatalOnly(err error) error {
	if transport.IsFatal(err) {
		return err
	}
	return nil
}

// teardown closes every channel and transport.
func (d *Device) teardown() error {
	d.mu.Lock()
	channels := d.channels
	factories := d.factories
	d.channels = make(map[string][]*Channel)
	d.factories = make(map[transport.Kind]transport.Factory)
	d.mu.Unlock()

	var errs []error
	for _, chans := range channels {
		for _, c := range chans {
			errs = append(errs, c.close())
		}
	}
	for kind, f := range factories {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s transport: %w", kind, err))
		}
	}
	if len(channels) > 0 || len(factories) > 0 {
		d.debugLog("device reset", "channels", len(channels), "transports", len(factories))
	}
	return errors.Join(errs...)
}
