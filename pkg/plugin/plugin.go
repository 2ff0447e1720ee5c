package plugin

import (
	"fmt"
	"time"

	"github.com/fmq-go/fmq/pkg/fsm"
	"github.com/fmq-go/fmq/pkg/property"
)

// Version is a plugin version.
type Version struct {
	Major, Minor, Patch int
}

// String returns the version as major.minor.patch.
func (v Version) String() string { return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch) }

// Info describes a plugin.
type Info struct {
	Name       string
	Version    Version
	Maintainer string
	Homepage   string
}

// String returns a one-line description.
func (i Info) String() string {
	return fmt.Sprintf("'%s', version '%s', maintainer '%s', homepage '%s'", i.Name, i.Version, i.Maintainer, i.Homepage)
}

// Plugin is an extension instantiated by a Manager.
type Plugin interface {
	Info() Info

	// Close stops the plugin. It must release device control and remove
	// its subscriptions.
	Close() error
}

// Base implements the Info method and binds the services to the plugin
// name, so plugins call s.ChangeDeviceState(t) without repeating it.
// Embed it in plugin types.
type Base struct {
	info Info
	svc  *Services
}

// NewBase returns a Base for the plugin described by info.
func NewBase(info Info, svc *Services) Base {
	return Base{info: info, svc: svc}
}

// Info returns the plugin description.
func (b *Base) Info() Info { return b.info }

// Name returns the plugin name.
func (b *Base) Name() string { return b.info.Name }

// Services returns the underlying services.
func (b *Base) Services() *Services { return b.svc }

// Shortcuts to the services, acting as this plugin.
func (b *Base) SetProperty(key string, value any)     { b.svc.SetProperty(key, value) }
func (b *Base) GetProperty(key string) (any, error)   { return b.svc.GetProperty(key) }
func (b *Base) GetPropertyAsString(key string) string { return b.svc.GetPropertyAsString(key) }
func (b *Base) CurrentDeviceState() fsm.State         { return b.svc.CurrentDeviceState() }
func (b *Base) TakeDeviceControl() error              { return b.svc.TakeDeviceControl(b.info.Name) }
func (b *Base) StealDeviceControl()                   { b.svc.StealDeviceControl(b.info.Name) }
func (b *Base) ReleaseDeviceControl() error           { return b.svc.ReleaseDeviceControl(b.info.Name) }
func (b *Base) ChangeDeviceState(t fsm.Transition) error {
	return b.svc.ChangeDeviceState(b.info.Name, t)
}

// WaitForState blocks until the device reaches state.
func (b *Base) WaitForState(state fsm.State, timeout time.Duration) error {
	return b.svc.WaitForState(state, timeout)
}

// SubscribeToDeviceStateChange registers fn under the plugin name.
func (b *Base) SubscribeToDeviceStateChange(fn StateFunc) {
	b.svc.SubscribeToDeviceStateChange(b.info.Name, fn)
}

// UnsubscribeFromDeviceStateChange removes the plugin's state subscription.
func (b *Base) UnsubscribeFromDeviceStateChange() {
	b.svc.UnsubscribeFromDeviceStateChange(b.info.Name)
}

// SubscribeToPropertyChange registers fn under the plugin name.
func (b *Base) SubscribeToPropertyChange(fn property.ChangeFunc) {
	b.svc.SubscribeToPropertyChange(b.info.Name, fn)
}

// UnsubscribeFromPropertyChange removes the plugin's property subscription.
func (b *Base) UnsubscribeFromPropertyChange() {
	b.svc.UnsubscribeFromPropertyChange(b.info.Name)
}
