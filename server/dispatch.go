package server

import (
	"sync"

	ilog "github.com/parley-im/parley/log"
	"github.com/parley-im/parley/proto"
)

type TargetKind uint8

const (
	TARGET_KIND_USER = TargetKind(iota)
	TARGET_KIND_GROUP
)

// Target names where a dispatch request goes: a single user or a group.
type Target struct {
	Kind TargetKind
	Name string
}

func UserTarget(name string) Target  { return Target{Kind: TARGET_KIND_USER, Name: name} }
func GroupTarget(name string) Target { return Target{Kind: TARGET_KIND_GROUP, Name: name} }

// Request is one outbound delivery, consumed exactly once by the worker.
type Request struct {
	Header  *proto.Header
	Payload []byte
	Origin  string
	Target  Target
}

// Dispatcher decouples message ingress from delivery. A single worker drains
// the queue in order; group targets fan out concurrently per member, and the
// worker waits for the batch so per-queue FIFO holds for every recipient.
type Dispatcher struct {
	queue     chan Request
	registry  *Registry
	directory *Directory
	offline   *OfflineStore
	telemetry *Telemetry
	log       *ilog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewDispatcher(registry *Registry, directory *Directory, offline *OfflineStore, queueSize uint, telemetry *Telemetry) *Dispatcher {
	if queueSize == 0 {
		queueSize = 1024
	}
	logger := ilog.NewLogger()
	logger.Fields["entity"] = "dispatcher"
	return &Dispatcher{
		queue:     make(chan Request, queueSize),
		registry:  registry,
		directory: directory,
		offline:   offline,
		telemetry: telemetry,
		log:       logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

// Stop shuts the worker down after the queued backlog is processed.
func (d *Dispatcher) Stop() {
	d.Start() // a worker that never ran still has to drain and close down
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	<-d.done
}

// Enqueue adds one request. Blocks for backpressure when the queue is full;
// after Stop the request is dropped.
func (d *Dispatcher) Enqueue(req Request) {
	select {
	case <-d.stop:
		d.log.Warnf("dispatcher stopped, dropping request from %v", req.Origin)
	case d.queue <- req:
	}
}

func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case req := <-d.queue:
			d.dispatch(req)
		case <-d.stop:
			for {
				select {
				case req := <-d.queue:
					d.dispatch(req)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) dispatch(req Request) {
	header := req.Header.Clone()
	header.From = req.Origin

	switch req.Target.Kind {
	case TARGET_KIND_USER:
		d.deliver(req.Target.Name, header, req.Payload)
	case TARGET_KIND_GROUP:
		members := d.directory.Members(req.Target.Name)
		wg := sync.WaitGroup{}
		for _, member := range members {
			if member == req.Origin {
				continue
			}
			wg.Add(1)
			go func(member string) {
				defer wg.Done()
				d.deliver(member, header, req.Payload)
			}(member)
		}
		wg.Wait()
	}
}

// deliver attempts a live send and degrades to the offline store on absence
// or write failure. A failure never travels back to the sender.
func (d *Dispatcher) deliver(username string, header *proto.Header, payload []byte) {
	if session := d.registry.Lookup(username); session != nil {
		err := session.Send(header, payload)
		if err == nil {
			d.telemetry.LiveDelivery()
			return
		}
		d.log.Warnf("delivery to %v failed, parking offline: %v", username, err)
	}
	if err := d.offline.Enqueue(username, header.Delivered(), payload); err != nil {
		d.log.Errorf("offline enqueue for %v failed: %v", username, err)
		return
	}
	d.telemetry.OfflineEnqueue()
}
