package kcpclient

import (
	"runtime"
	"sync/atomic"

	"github.com/golang/glog"
)

var defaultEmitter Emitter

const emitQueue = 8192

func init() {
	defaultEmitter.init()
}

// Emitter decouples protocol flushing from datagram syscalls: flush
// hands finished datagrams to a queue and a dedicated task drains the
// queue into the kernel, so the output callback never blocks the engine
type Emitter struct {
	ch chan emitPacket
}

func (e *Emitter) init() {
	e.ch = make(chan emitPacket, emitQueue)
	go e.emitTask()
}

// keep on writing packets to kernel
func (e *Emitter) emitTask() {
	runtime.LockOSThread()
	for p := range e.ch {
		if n, err := p.conn.WriteTo(p.data, p.to); err == nil {
			atomic.AddUint64(&DefaultSnmp.OutSegs, 1)
			atomic.AddUint64(&DefaultSnmp.OutBytes, uint64(n))
		} else {
			// the engine assumes the datagram was sent either way,
			// retransmission covers the loss
			glog.V(1).Infof("emit to %v: %v", p.to, err)
		}
		if p.recycle {
			xmitBuf.Put(p.data)
		}
	}
}

func (e *Emitter) emit(p emitPacket) {
	e.ch <- p
}
