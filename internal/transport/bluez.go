package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/shaunagostinho/evdash/internal/telemetry"
)

const (
	bluezBus          = "org.bluez"
	bluezDeviceIface  = "org.bluez.Device1"
	bluezServiceIface = "org.bluez.GattService1"
	bluezCharIface    = "org.bluez.GattCharacteristic1"
	propertiesIface   = "org.freedesktop.DBus.Properties"
	propertiesChanged = "org.freedesktop.DBus.Properties.PropertiesChanged"
	dbusUnknownObject = "org.freedesktop.DBus.Error.UnknownObject"
)

// BlueZConfig selects the adapter and the GATT characteristic carrying
// telemetry notifications.
type BlueZConfig struct {
	Adapter        string            `yaml:"adapter" json:"adapter"`                 // e.g. "hci0"
	ServiceUUID    string            `yaml:"service_uuid" json:"serviceUuid"`        // telemetry service
	NotifyCharUUID string            `yaml:"notify_char_uuid" json:"notifyCharUuid"` // realtime frames
	Addresses      map[string]string `yaml:"addresses" json:"addresses"`             // serial -> MAC; otherwise matched by device name
	ResolveTimeout time.Duration     `yaml:"resolve_timeout" json:"resolveTimeout"`  // wait for ServicesResolved
}

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZ subscribes to controller notifications through the BlueZ D-Bus API.
type BlueZ struct {
	cfg  BlueZConfig
	conn *dbus.Conn

	mu    sync.Mutex
	links map[string]*bleLink
}

type bleLink struct {
	id         string
	devicePath dbus.ObjectPath
	charPath   dbus.ObjectPath
	rules      []string
	sigs       chan *dbus.Signal
	stop       chan struct{}
	done       chan struct{}
}

// NewBlueZ connects to the system bus.
func NewBlueZ(cfg BlueZConfig) (*BlueZ, error) {
	if cfg.Adapter == "" {
		cfg.Adapter = "hci0"
	}
	if cfg.ResolveTimeout == 0 {
		cfg.ResolveTimeout = 10 * time.Second
	}
	if cfg.ServiceUUID == "" || cfg.NotifyCharUUID == "" {
		return nil, errors.New("bluez: service_uuid and notify_char_uuid are required")
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: system bus: %w", err)
	}
	return &BlueZ{cfg: cfg, conn: conn, links: make(map[string]*bleLink)}, nil
}

func (b *BlueZ) Name() string { return "BlueZ " + b.cfg.Adapter }

// Close drops every subscription and the bus connection.
func (b *BlueZ) Close() error {
	b.mu.Lock()
	ids := make([]string, 0, len(b.links))
	for id := range b.links {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	for _, id := range ids {
		_ = b.Disconnect(id)
	}
	return b.conn.Close()
}

func (b *BlueZ) Connect(ctx context.Context, id string, h Handler) error {
	b.mu.Lock()
	_, busy := b.links[id]
	b.mu.Unlock()
	if busy {
		return fmt.Errorf("bluez: %s: %w", id, ErrAlreadyConnected)
	}

	objects, err := b.objects(ctx)
	if err != nil {
		return err
	}
	devicePath, props, err := b.findDevice(objects, id)
	if err != nil {
		return err
	}
	dev := b.conn.Object(bluezBus, devicePath)

	if connected, _ := props["Connected"].Value().(bool); !connected {
		log.Printf("[bluez] connecting to %s (%s)", id, devicePath)
		if err := dev.CallWithContext(ctx, bluezDeviceIface+".Connect", 0).Err; err != nil {
			if !strings.Contains(err.Error(), "InProgress") {
				return classifyDBusError(fmt.Errorf("bluez: connect %s: %w", id, err))
			}
		}
	}
	if err := b.waitResolved(ctx, dev); err != nil {
		return err
	}

	// Re-read: GATT objects appear only once services are resolved.
	if objects, err = b.objects(ctx); err != nil {
		return err
	}
	charPath, err := b.findCharacteristic(objects, devicePath)
	if err != nil {
		return err
	}

	link := &bleLink{
		id:         id,
		devicePath: devicePath,
		charPath:   charPath,
		sigs:       make(chan *dbus.Signal, 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, path := range []dbus.ObjectPath{charPath, devicePath} {
		rule := fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path='%s'", propertiesIface, path)
		if err := b.conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			b.release(link)
			return fmt.Errorf("bluez: add match: %w", err)
		}
		link.rules = append(link.rules, rule)
	}
	b.conn.Signal(link.sigs)

	char := b.conn.Object(bluezBus, charPath)
	if err := char.CallWithContext(ctx, bluezCharIface+".StartNotify", 0).Err; err != nil {
		b.release(link)
		return classifyDBusError(fmt.Errorf("bluez: start notify %s: %w", id, err))
	}

	b.mu.Lock()
	if _, busy := b.links[id]; busy {
		// A concurrent Connect for the same id won the race.
		b.mu.Unlock()
		char.Call(bluezCharIface+".StopNotify", 0)
		b.release(link)
		return fmt.Errorf("bluez: %s: %w", id, ErrAlreadyConnected)
	}
	b.links[id] = link
	b.mu.Unlock()
	go b.watch(link, h)
	log.Printf("[bluez] %s streaming from %s", id, charPath)
	return nil
}

func (b *BlueZ) Disconnect(id string) error {
	b.mu.Lock()
	link, ok := b.links[id]
	delete(b.links, id)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	close(link.stop)
	<-link.done
	b.conn.Object(bluezBus, link.charPath).Call(bluezCharIface+".StopNotify", 0)
	b.release(link)
	return b.conn.Object(bluezBus, link.devicePath).Call(bluezDeviceIface+".Disconnect", 0).Err
}

func (b *BlueZ) release(link *bleLink) {
	b.conn.RemoveSignal(link.sigs)
	for _, rule := range link.rules {
		b.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
	}
}

// watch turns PropertiesChanged signals into handler calls until the link
// is stopped or the device drops.
func (b *BlueZ) watch(link *bleLink, h Handler) {
	defer close(link.done)
	var r telemetry.Reassembler

	for {
		select {
		case <-link.stop:
			return
		case sig, ok := <-link.sigs:
			if !ok {
				b.drop(link, h, errors.New("bluez: bus connection closed"))
				return
			}
			if sig == nil || sig.Name != propertiesChanged || len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			switch sig.Path {
			case link.charPath:
				if v, ok := changed["Value"]; ok {
					if data, ok := v.Value().([]byte); ok {
						for _, f := range r.Feed(data) {
							h.OnFrame(link.id, f)
						}
					}
				}
			case link.devicePath:
				if v, ok := changed["Connected"]; ok {
					if connected, _ := v.Value().(bool); !connected {
						b.drop(link, h, errors.New("bluez: device disconnected"))
						return
					}
				}
				if v, ok := changed["Paired"]; ok {
					if paired, _ := v.Value().(bool); !paired {
						b.drop(link, h, ErrPairingLost)
						return
					}
				}
			}
		}
	}
}

func (b *BlueZ) drop(link *bleLink, h Handler, reason error) {
	b.mu.Lock()
	if b.links[link.id] != link {
		b.mu.Unlock()
		return
	}
	delete(b.links, link.id)
	b.mu.Unlock()
	b.release(link)
	log.Printf("[bluez] %s: %v", link.id, reason)
	h.OnDisconnected(link.id, reason)
}

func (b *BlueZ) objects(ctx context.Context) (managedObjects, error) {
	objects := make(managedObjects)
	obj := b.conn.Object(bluezBus, "/")
	if err := obj.CallWithContext(ctx, "org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez: managed objects: %w", err)
	}
	return objects, nil
}

// findDevice locates id by configured address, or by Name/Alias. A device
// BlueZ does not know about cannot come back by retrying.
func (b *BlueZ) findDevice(objects managedObjects, id string) (dbus.ObjectPath, map[string]dbus.Variant, error) {
	wantAddr := strings.ToUpper(b.cfg.Addresses[id])
	if id == "" && wantAddr == "" {
		return "", nil, fmt.Errorf("%w: empty controller id", ErrPairingLost)
	}
	adapterPrefix := "/org/bluez/" + b.cfg.Adapter + "/"

	for path, ifaces := range objects {
		dev, ok := ifaces[bluezDeviceIface]
		if !ok || !strings.HasPrefix(string(path), adapterPrefix) {
			continue
		}
		addr, _ := dev["Address"].Value().(string)
		name, _ := dev["Name"].Value().(string)
		alias, _ := dev["Alias"].Value().(string)
		if (wantAddr != "" && strings.EqualFold(addr, wantAddr)) ||
			(wantAddr == "" && (name == id || alias == id)) {
			return path, dev, nil
		}
	}
	return "", nil, fmt.Errorf("%w: %s not known to %s", ErrPairingLost, id, b.cfg.Adapter)
}

func (b *BlueZ) findCharacteristic(objects managedObjects, devicePath dbus.ObjectPath) (dbus.ObjectPath, error) {
	var servicePath dbus.ObjectPath
	for path, ifaces := range objects {
		svc, ok := ifaces[bluezServiceIface]
		if !ok || !strings.HasPrefix(string(path), string(devicePath)+"/") {
			continue
		}
		if uuid, _ := svc["UUID"].Value().(string); strings.EqualFold(uuid, b.cfg.ServiceUUID) {
			servicePath = path
			break
		}
	}
	if servicePath == "" {
		return "", fmt.Errorf("bluez: service %s not found on %s", b.cfg.ServiceUUID, devicePath)
	}
	for path, ifaces := range objects {
		char, ok := ifaces[bluezCharIface]
		if !ok || !strings.HasPrefix(string(path), string(servicePath)+"/") {
			continue
		}
		if uuid, _ := char["UUID"].Value().(string); strings.EqualFold(uuid, b.cfg.NotifyCharUUID) {
			return path, nil
		}
	}
	return "", fmt.Errorf("bluez: characteristic %s not found on %s", b.cfg.NotifyCharUUID, servicePath)
}

func (b *BlueZ) waitResolved(ctx context.Context, dev dbus.BusObject) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ResolveTimeout)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		var resolved bool
		err := dev.CallWithContext(ctx, propertiesIface+".Get", 0, bluezDeviceIface, "ServicesResolved").Store(&resolved)
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("bluez: waiting for services: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// classifyDBusError marks errors that mean the device object is gone.
func classifyDBusError(err error) error {
	var de dbus.Error
	if errors.As(err, &de) && de.Name == dbusUnknownObject {
		return fmt.Errorf("%w: %v", ErrPairingLost, err)
	}
	if strings.Contains(err.Error(), "AuthenticationFailed") {
		return fmt.Errorf("%w: %v", ErrPairingLost, err)
	}
	return err
}
