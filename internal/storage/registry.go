package storage

import (
	"github.com/ydb-platform/udev-recovery/internal/hotplug"
	"github.com/ydb-platform/udev-recovery/internal/mux"

	"k8s.io/klog/v2"
)

type Change interface {
	changeSealed()
}

type Added struct {
	Device
}

func (Added) changeSealed() {}

type Removed struct {
	Device
}

func (Removed) changeSealed() {}

type request interface {
	requestSealed()
}

type admitRequest struct {
	event hotplug.Event
}

func (admitRequest) requestSealed() {}

type removeRequest struct {
	name string
}

func (removeRequest) requestSealed() {}

type listRequest struct{}

func (listRequest) requestSealed() {}

type lookupRequest struct {
	name string
}

func (lookupRequest) requestSealed() {}

type stopRequest struct{}

func (stopRequest) requestSealed() {}

type lookupReply struct {
	device Device
	found  bool
}

// Registry tracks storage devices announced by hotplug events. Its state is
// owned by a single goroutine; every method is a request to that goroutine,
// so the listener and the orchestrator never touch the state concurrently.
type Registry struct {
	layout   Layout
	filter   mux.FilterFunc[hotplug.Event]
	requests chan mux.AwaitReply[request, any]
	changes  *mux.Mux[Change]
	done     chan struct{}

	devices map[string]Device // owned by the run goroutine
	order   []string          // registration order, owned by the run goroutine
}

func NewRegistry(layout Layout, prefixes ...string) *Registry {
	if len(prefixes) == 0 {
		prefixes = DefaultNamePrefixes
	}
	r := &Registry{
		layout:   layout,
		filter:   StorageFilter(layout, prefixes...),
		requests: make(chan mux.AwaitReply[request, any]),
		changes:  mux.Make(mux.Buffered[Change](16)),
		done:     make(chan struct{}),
		devices:  make(map[string]Device),
	}
	go r.run()
	return r
}

func (r *Registry) Layout() Layout {
	return r.layout
}

func (r *Registry) call(req request) (any, bool) {
	ar := mux.NewAwaitReply[request, any](req)
	select {
	case r.requests <- ar:
		return ar.Await(), true
	case <-r.done:
		return nil, false
	}
}

// Admit applies a hotplug event and reports what it did to the registry.
func (r *Registry) Admit(ev hotplug.Event) Admission {
	res, ok := r.call(admitRequest{ev})
	if !ok {
		return Ignored
	}
	return res.(Admission)
}

// Handle makes the registry a hotplug.Handler.
func (r *Registry) Handle(ev hotplug.Event) {
	r.Admit(ev)
}

// Remove drops a device by name. Removing an unknown name is a no-op.
func (r *Registry) Remove(name string) bool {
	res, ok := r.call(removeRequest{name})
	return ok && res.(bool)
}

// Devices returns a snapshot of the registered devices in registration order.
func (r *Registry) Devices() []Device {
	res, ok := r.call(listRequest{})
	if !ok {
		return nil
	}
	return res.([]Device)
}

func (r *Registry) Lookup(name string) (Device, bool) {
	res, ok := r.call(lookupRequest{name})
	if !ok {
		return Device{}, false
	}
	reply := res.(lookupReply)
	return reply.device, reply.found
}

func (r *Registry) Len() int {
	return len(r.Devices())
}

func (r *Registry) Subscribe(sink mux.Sink[Change]) mux.CancelFunc {
	return r.changes.Subscribe(sink)
}

// Close stops the owner goroutine. Calls made afterwards see an empty registry.
func (r *Registry) Close() {
	if _, ok := r.call(stopRequest{}); ok {
		r.changes.Close()
	}
}

func (r *Registry) run() {
	defer close(r.done)
	for req := range r.requests {
		switch q := req.Value().(type) {
		case admitRequest:
			req.Reply(r.admit(q.event))
		case removeRequest:
			req.Reply(r.remove(q.name))
		case listRequest:
			devices := make([]Device, 0, len(r.order))
			for _, name := range r.order {
				devices = append(devices, r.devices[name])
			}
			req.Reply(devices)
		case lookupRequest:
			dev, found := r.devices[q.name]
			req.Reply(lookupReply{dev, found})
		case stopRequest:
			req.Reply(nil)
			return
		}
	}
}

func (r *Registry) admit(ev hotplug.Event) Admission {
	if !r.filter(ev) {
		return Ignored
	}
	name := r.layout.DeviceName(ev)

	switch ev.Action {
	case hotplug.Add:
		if !IsVolume(ev) {
			klog.V(2).Infof("Skipping partitioned disk %q, waiting for its partitions", name)
			return SkippedDisk
		}
		if _, found := r.devices[name]; found {
			return AlreadyRegistered
		}
		dev := r.layout.Device(name)
		r.devices[name] = dev
		r.order = append(r.order, name)
		klog.Infof("Registered storage device %s", dev)
		r.publish(Added{dev})
		return Registered
	case hotplug.Remove:
		if !IsVolume(ev) {
			return SkippedDisk
		}
		if !r.remove(name) {
			klog.V(2).Infof("Remove event for unknown storage device %q", name)
			return NotRegistered
		}
		return Unregistered
	}
	return Ignored
}

func (r *Registry) remove(name string) bool {
	dev, found := r.devices[name]
	if !found {
		return false
	}
	delete(r.devices, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	klog.Infof("Unregistered storage device %s", dev)
	r.publish(Removed{dev})
	return true
}

func (r *Registry) publish(change Change) {
	if err := r.changes.Submit(change); err != nil {
		klog.Errorf("Failed to publish registry change: %v", err)
	}
}
