// Package udev subscribes to kernel uevents and routes them: modalias
// announcements feed the module loader, block events feed the
// root-device matcher.
package udev

import (
	"path/filepath"

	"github.com/s-urbaniak/uevent"
	"golang.org/x/xerrors"

	"github.com/hugo-cuenca/ignited/internal/blockdev"
	"github.com/hugo-cuenca/ignited/internal/kcon"
)

// Handlers receives routed uevents. Nil members drop their events.
// Handlers are invoked on per-event goroutines; one slow handler must
// not stall the netlink socket.
type Handlers struct {
	Modalias  func(alias string)
	Block     func(ev blockdev.Event)
	Net       func(ev blockdev.Event)
	HidrawAdd func(devpath string)
}

// Listener owns the NETLINK_KOBJECT_UEVENT socket.
type Listener struct {
	kmsg *kcon.KConsole
	r    interface{ Close() error }
	done chan struct{}
}

// Listen binds the uevent socket and starts decoding. It returns once
// the subscription is active; decoded events flow to h until Stop.
func Listen(kmsg *kcon.KConsole, h Handlers) (*Listener, error) {
	r, err := uevent.NewReader()
	if err != nil {
		return nil, xerrors.Errorf("error while setting up uevent listener: %w", err)
	}
	l := &Listener{kmsg: kmsg, r: r, done: make(chan struct{})}
	dec := uevent.NewDecoder(r)
	go func() {
		defer close(l.done)
		for {
			ev, err := dec.Decode()
			if err != nil {
				// EOF or a closed socket; either way the subscription
				// is over.
				l.kmsg.Debugf("uevent listener exiting: %v", err)
				return
			}
			l.kmsg.Debugf("uevent %s %s %s", ev.Action, ev.Subsystem, ev.Devpath)
			go dispatch(h, string(ev.Action), ev.Subsystem, ev.Devpath, ev.Vars)
		}
	}()
	return l, nil
}

// Stop closes the socket and waits for the decode loop to drain.
func (l *Listener) Stop() {
	l.r.Close()
	<-l.done
}

func dispatch(h Handlers, action, subsystem, devpath string, vars map[string]string) {
	if modalias, ok := vars["MODALIAS"]; ok {
		if h.Modalias != nil {
			h.Modalias(modalias)
		}
		return
	}
	switch subsystem {
	case "block":
		if h.Block == nil {
			return
		}
		name, ok := vars["DEVNAME"]
		if !ok {
			name = filepath.Base(devpath)
		}
		h.Block(blockdev.Event{Action: action, Devpath: devpath, Name: name})
	case "net":
		if h.Net != nil {
			h.Net(blockdev.Event{Action: action, Devpath: devpath, Name: vars["INTERFACE"]})
		}
	case "hidraw":
		if action == "add" && h.HidrawAdd != nil {
			h.HidrawAdd(devpath)
		}
	}
}
