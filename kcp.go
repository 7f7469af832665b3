// Package kcpclient - a reliable, ordered, congestion controlled
// message transport over unreliable datagrams (ARQ over UDP).
package kcpclient

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/pkg/errors"
)

const (
	IKCP_RTO_NDL     = 30  // no delay min rto
	IKCP_RTO_MIN     = 100 // normal min rto
	IKCP_RTO_DEF     = 200
	IKCP_RTO_MAX     = 60000
	IKCP_CMD_PUSH    = 81 // cmd: push data
	IKCP_CMD_ACK     = 82 // cmd: ack
	IKCP_CMD_WASK    = 83 // cmd: window probe (ask)
	IKCP_CMD_WINS    = 84 // cmd: window size (tell)
	IKCP_ASK_SEND    = 1  // need to send IKCP_CMD_WASK
	IKCP_ASK_TELL    = 2  // need to send IKCP_CMD_WINS
	IKCP_WND_SND     = 32
	IKCP_WND_RCV     = 128
	IKCP_MTU_DEF     = 1400
	IKCP_INTERVAL    = 100
	IKCP_OVERHEAD    = 24
	IKCP_DEADLINK    = 20
	IKCP_THRESH_INIT = 2
	IKCP_THRESH_MIN  = 2
	IKCP_PROBE_INIT  = 7000   // 7 secs to probe window size
	IKCP_PROBE_LIMIT = 120000 // up to 120 secs to probe window
)

// errors returned by the protocol engine; all of them leave the
// engine usable, they only fail the operation that raised them
var (
	ErrEmptyPayload    = errors.New("sending an empty payload")
	ErrPayloadTooLarge = errors.New("payload can never fit peer window")
	ErrAgain           = errors.New("no complete message available")
	ErrBufferTooSmall  = errors.New("receive buffer smaller than message")
	ErrWireFormat      = errors.New("malformed segment on wire")
)

// Output is a closure which captures conn and calls conn.Write
type Output func(buf []byte, size int)

/* encode 8 bits unsigned int */
func ikcp_encode8u(p []byte, c byte) []byte {
	p[0] = c
	return p[1:]
}

/* decode 8 bits unsigned int */
func ikcp_decode8u(p []byte, c *byte) []byte {
	*c = p[0]
	return p[1:]
}

/* encode 16 bits unsigned int (lsb) */
func ikcp_encode16u(p []byte, w uint16) []byte {
	binary.LittleEndian.PutUint16(p, w)
	return p[2:]
}

/* decode 16 bits unsigned int (lsb) */
func ikcp_decode16u(p []byte, w *uint16) []byte {
	*w = binary.LittleEndian.Uint16(p)
	return p[2:]
}

/* encode 32 bits unsigned int (lsb) */
func ikcp_encode32u(p []byte, l uint32) []byte {
	binary.LittleEndian.PutUint32(p, l)
	return p[4:]
}

/* decode 32 bits unsigned int (lsb) */
func ikcp_decode32u(p []byte, l *uint32) []byte {
	*l = binary.LittleEndian.Uint32(p)
	return p[4:]
}

func _imin_(a, b uint32) uint32 {
	if a <= b {
		return a
	}
	return b
}

func _imax_(a, b uint32) uint32 {
	if a >= b {
		return a
	}
	return b
}

func _ibound_(lower, middle, upper uint32) uint32 {
	return _imin_(_imax_(lower, middle), upper)
}

// all sn/ts/una comparisons go through here: the wire fields are 32 bit
// and wrap, a signed difference keeps the ordering correct across the wrap
func _itimediff(later, earlier uint32) int32 {
	return (int32)(later - earlier)
}

// Segment defines the unit of both wire transmission and internal
// bookkeeping: a fixed 24 byte header plus up to mss bytes of payload
type Segment struct {
	conv     uint32
	cmd      uint32
	frg      uint32
	wnd      uint32
	ts       uint32
	sn       uint32
	una      uint32
	data     []byte
	resendts uint32
	rto      uint32
	fastack  uint32
	xmit     uint32
}

// encode a segment header into buffer
func (seg *Segment) encode(ptr []byte) []byte {
	ptr = ikcp_encode32u(ptr, seg.conv)
	ptr = ikcp_encode8u(ptr, uint8(seg.cmd))
	ptr = ikcp_encode8u(ptr, uint8(seg.frg))
	ptr = ikcp_encode16u(ptr, uint16(seg.wnd))
	ptr = ikcp_encode32u(ptr, seg.ts)
	ptr = ikcp_encode32u(ptr, seg.sn)
	ptr = ikcp_encode32u(ptr, seg.una)
	ptr = ikcp_encode32u(ptr, uint32(len(seg.data)))
	return ptr
}

// KCP defines a single conversation endpoint. It is a plain data
// structure driven by Send/Input/Recv/Update; it never blocks, never
// sleeps and reads time only through the caller supplied millisecond
// counter, so one instance must not be shared without external locking.
type KCP struct {
	conv, mtu, mss, state                  uint32
	snd_una, snd_nxt, rcv_nxt              uint32
	ssthresh                               uint32
	rx_rttvar, rx_srtt                     int32
	rx_rto, rx_minrto                      uint32
	snd_wnd, rcv_wnd, rmt_wnd, cwnd, probe uint32
	interval, ts_flush, xmit               uint32
	nodelay, updated                       uint32
	ts_probe, probe_wait                   uint32
	dead_link, incr                        uint32
	current                                uint32

	fastresend     int32
	nocwnd, stream int32
	acknodelay     bool

	snd_queue []Segment
	rcv_queue []Segment
	snd_buf   []Segment
	rcv_buf   []Segment

	acklist []ackItem

	buffer []byte
	output Output
}

type ackItem struct {
	sn uint32
	ts uint32
}

// NewKCP creates a new kcp control object. 'conv' must be identical on
// both endpoints of the same conversation, it is agreed out of band.
func NewKCP(conv uint32, output Output) *KCP {
	kcp := new(KCP)
	kcp.conv = conv
	kcp.snd_wnd = IKCP_WND_SND
	kcp.rcv_wnd = IKCP_WND_RCV
	kcp.rmt_wnd = IKCP_WND_RCV
	kcp.mtu = IKCP_MTU_DEF
	kcp.mss = kcp.mtu - IKCP_OVERHEAD
	kcp.buffer = make([]byte, (kcp.mtu+IKCP_OVERHEAD)*3)
	kcp.rx_rto = IKCP_RTO_DEF
	kcp.rx_minrto = IKCP_RTO_MIN
	kcp.interval = IKCP_INTERVAL
	kcp.ts_flush = IKCP_INTERVAL
	kcp.ssthresh = IKCP_THRESH_INIT
	kcp.cwnd = 1
	kcp.incr = kcp.mss
	kcp.dead_link = IKCP_DEADLINK
	kcp.output = output
	return kcp
}

// newSegment creates a segment with a payload buffer of the given size
func (kcp *KCP) newSegment(size int) *Segment {
	seg := new(Segment)
	seg.data = xmitBuf.Get().([]byte)[:size]
	return seg
}

// delSegment recycles the payload buffer of a segment
func (kcp *KCP) delSegment(seg *Segment) {
	if seg.data != nil {
		xmitBuf.Put(seg.data)
		seg.data = nil
	}
}

// PeekSize checks the size of next message in the recv queue, it
// returns -1 when no complete message is ready
func (kcp *KCP) PeekSize() (length int) {
	if len(kcp.rcv_queue) == 0 {
		return -1
	}

	seg := &kcp.rcv_queue[0]
	if seg.frg == 0 {
		return len(seg.data)
	}

	if len(kcp.rcv_queue) < int(seg.frg+1) {
		return -1
	}

	for k := range kcp.rcv_queue {
		seg := &kcp.rcv_queue[k]
		length += len(seg.data)
		if seg.frg == 0 {
			break
		}
	}
	return
}

// Recv dequeues one reassembled message into buffer. ErrAgain means no
// complete message is ready yet; ErrBufferTooSmall leaves the message
// queued for a retry with a larger buffer.
func (kcp *KCP) Recv(buffer []byte) (n int, err error) {
	peeksize := kcp.PeekSize()
	if peeksize < 0 {
		return 0, ErrAgain
	}

	if peeksize > len(buffer) {
		return 0, ErrBufferTooSmall
	}

	var fast_recover bool
	if len(kcp.rcv_queue) >= int(kcp.rcv_wnd) {
		fast_recover = true
	}

	// merge fragments
	count := 0
	for k := range kcp.rcv_queue {
		seg := &kcp.rcv_queue[k]
		copy(buffer, seg.data)
		buffer = buffer[len(seg.data):]
		n += len(seg.data)
		count++
		frg := seg.frg
		kcp.delSegment(seg)
		if frg == 0 {
			break
		}
	}
	kcp.rcv_queue = kcp.rcv_queue[count:]

	// move available data from rcv_buf -> rcv_queue
	count = 0
	for k := range kcp.rcv_buf {
		seg := &kcp.rcv_buf[k]
		if seg.sn == kcp.rcv_nxt && len(kcp.rcv_queue)+count < int(kcp.rcv_wnd) {
			kcp.rcv_nxt++
			count++
		} else {
			break
		}
	}
	kcp.rcv_queue = append(kcp.rcv_queue, kcp.rcv_buf[:count]...)
	kcp.rcv_buf = kcp.rcv_buf[count:]

	// a full receive queue shrank the advertised window to zero; now
	// that there is room again, tell the remote on the next flush
	if len(kcp.rcv_queue) < int(kcp.rcv_wnd) && fast_recover {
		kcp.probe |= IKCP_ASK_TELL
	}
	return
}

// Send fragments buffer into segments of at most mss bytes and appends
// them to the send queue. In stream mode the tail segment of the queue
// is filled up first and message boundaries are not preserved.
func (kcp *KCP) Send(buffer []byte) error {
	if len(buffer) == 0 {
		return ErrEmptyPayload
	}

	// append to previous segment in streaming mode (if possible)
	if kcp.stream != 0 {
		n := len(kcp.snd_queue)
		if n > 0 {
			old := &kcp.snd_queue[n-1]
			if len(old.data) < int(kcp.mss) {
				capacity := int(kcp.mss) - len(old.data)
				extend := capacity
				if len(buffer) < capacity {
					extend = len(buffer)
				}
				seg := kcp.newSegment(len(old.data) + extend)
				seg.frg = 0
				copy(seg.data, old.data)
				copy(seg.data[len(old.data):], buffer)
				buffer = buffer[extend:]
				kcp.delSegment(old)
				kcp.snd_queue[n-1] = *seg
			}
		}

		if len(buffer) == 0 {
			return nil
		}
	}

	var count int
	if len(buffer) <= int(kcp.mss) {
		count = 1
	} else {
		count = (len(buffer) + int(kcp.mss) - 1) / int(kcp.mss)
	}

	// frg is an 8 bit field and the whole message must be able to sit
	// in the peer receive window at once, otherwise it can never be
	// reassembled on the other side
	if count > 255 || count > int(kcp.rcv_wnd) {
		return ErrPayloadTooLarge
	}

	for i := 0; i < count; i++ {
		var size int
		if len(buffer) > int(kcp.mss) {
			size = int(kcp.mss)
		} else {
			size = len(buffer)
		}
		seg := kcp.newSegment(size)
		copy(seg.data, buffer[:size])
		if kcp.stream == 0 { // message mode
			seg.frg = uint32(count - i - 1)
		} else { // stream mode
			seg.frg = 0
		}
		kcp.snd_queue = append(kcp.snd_queue, *seg)
		buffer = buffer[size:]
	}
	return nil
}

func (kcp *KCP) update_ack(rtt int32) {
	// https://tools.ietf.org/html/rfc6298
	var rto uint32
	if kcp.rx_srtt == 0 {
		kcp.rx_srtt = rtt
		kcp.rx_rttvar = rtt >> 1
	} else {
		delta := rtt - kcp.rx_srtt
		if delta < 0 {
			delta = -delta
		}
		kcp.rx_rttvar = (3*kcp.rx_rttvar + delta) >> 2
		kcp.rx_srtt = (7*kcp.rx_srtt + rtt) >> 3
		if kcp.rx_srtt < 1 {
			kcp.rx_srtt = 1
		}
	}
	rto = uint32(kcp.rx_srtt) + _imax_(kcp.interval, uint32(kcp.rx_rttvar)<<2)
	kcp.rx_rto = _ibound_(kcp.rx_minrto, rto, IKCP_RTO_MAX)
}

func (kcp *KCP) shrink_buf() {
	if len(kcp.snd_buf) > 0 {
		seg := &kcp.snd_buf[0]
		kcp.snd_una = seg.sn
	} else {
		kcp.snd_una = kcp.snd_nxt
	}
}

func (kcp *KCP) parse_ack(sn uint32) {
	if _itimediff(sn, kcp.snd_una) < 0 || _itimediff(sn, kcp.snd_nxt) >= 0 {
		return
	}

	for k := range kcp.snd_buf {
		seg := &kcp.snd_buf[k]
		if sn == seg.sn {
			kcp.delSegment(seg)
			copy(kcp.snd_buf[k:], kcp.snd_buf[k+1:])
			kcp.snd_buf[len(kcp.snd_buf)-1] = Segment{}
			kcp.snd_buf = kcp.snd_buf[:len(kcp.snd_buf)-1]
			break
		}
		if _itimediff(sn, seg.sn) < 0 {
			break
		}
	}
}

func (kcp *KCP) parse_fastack(sn uint32) {
	if _itimediff(sn, kcp.snd_una) < 0 || _itimediff(sn, kcp.snd_nxt) >= 0 {
		return
	}

	for k := range kcp.snd_buf {
		seg := &kcp.snd_buf[k]
		if _itimediff(sn, seg.sn) < 0 {
			break
		} else if sn != seg.sn {
			seg.fastack++
		}
	}
}

func (kcp *KCP) parse_una(una uint32) {
	count := 0
	for k := range kcp.snd_buf {
		seg := &kcp.snd_buf[k]
		if _itimediff(una, seg.sn) > 0 {
			kcp.delSegment(seg)
			count++
		} else {
			break
		}
	}
	kcp.snd_buf = kcp.snd_buf[count:]
}

// ack append
func (kcp *KCP) ack_push(sn, ts uint32) {
	kcp.acklist = append(kcp.acklist, ackItem{sn, ts})
}

func (kcp *KCP) parse_data(newseg *Segment) {
	sn := newseg.sn
	if _itimediff(sn, kcp.rcv_nxt+kcp.rcv_wnd) >= 0 ||
		_itimediff(sn, kcp.rcv_nxt) < 0 {
		kcp.delSegment(newseg)
		return
	}

	n := len(kcp.rcv_buf) - 1
	insert_idx := 0
	repeat := false
	for i := n; i >= 0; i-- {
		seg := &kcp.rcv_buf[i]
		if seg.sn == sn {
			repeat = true
			atomic.AddUint64(&DefaultSnmp.RepeatSegs, 1)
			break
		}
		if _itimediff(sn, seg.sn) > 0 {
			insert_idx = i + 1
			break
		}
	}

	if !repeat {
		if insert_idx == n+1 {
			kcp.rcv_buf = append(kcp.rcv_buf, *newseg)
		} else {
			kcp.rcv_buf = append(kcp.rcv_buf, Segment{})
			copy(kcp.rcv_buf[insert_idx+1:], kcp.rcv_buf[insert_idx:])
			kcp.rcv_buf[insert_idx] = *newseg
		}
	} else {
		kcp.delSegment(newseg)
	}

	// move available data from rcv_buf -> rcv_queue
	count := 0
	for k := range kcp.rcv_buf {
		seg := &kcp.rcv_buf[k]
		if seg.sn == kcp.rcv_nxt && len(kcp.rcv_queue)+count < int(kcp.rcv_wnd) {
			kcp.rcv_nxt++
			count++
		} else {
			break
		}
	}
	kcp.rcv_queue = append(kcp.rcv_queue, kcp.rcv_buf[:count]...)
	kcp.rcv_buf = kcp.rcv_buf[count:]
}

// Input feeds one received datagram into the engine. A datagram may
// carry several segments back to back; they are parsed until the bytes
// are exhausted. ErrWireFormat is returned for a truncated header or
// payload, an unknown command or a conversation mismatch; the rest of
// that datagram is discarded but everything parsed before the fault has
// already taken effect and the engine stays usable.
func (kcp *KCP) Input(data []byte) error {
	snd_una := kcp.snd_una
	if len(data) < IKCP_OVERHEAD {
		return errors.WithStack(ErrWireFormat)
	}

	var err error

	for {
		var ts, sn, length, una, conv uint32
		var wnd uint16
		var cmd, frg uint8

		if len(data) < IKCP_OVERHEAD {
			if len(data) > 0 { // trailing garbage after the last segment
				err = errors.WithStack(ErrWireFormat)
			}
			break
		}

		data = ikcp_decode32u(data, &conv)
		if conv != kcp.conv {
			err = errors.WithStack(ErrWireFormat)
			break
		}

		data = ikcp_decode8u(data, &cmd)
		data = ikcp_decode8u(data, &frg)
		data = ikcp_decode16u(data, &wnd)
		data = ikcp_decode32u(data, &ts)
		data = ikcp_decode32u(data, &sn)
		data = ikcp_decode32u(data, &una)
		data = ikcp_decode32u(data, &length)
		if len(data) < int(length) {
			err = errors.WithStack(ErrWireFormat)
			break
		}

		if cmd != IKCP_CMD_PUSH && cmd != IKCP_CMD_ACK &&
			cmd != IKCP_CMD_WASK && cmd != IKCP_CMD_WINS {
			err = errors.WithStack(ErrWireFormat)
			break
		}

		kcp.rmt_wnd = uint32(wnd)
		kcp.parse_una(una)
		kcp.shrink_buf()

		if cmd == IKCP_CMD_ACK {
			// Karn: a sample whose ts lies in the future modulo wrap
			// comes from a retransmission, skip the RTT update
			if _itimediff(kcp.current, ts) >= 0 {
				kcp.update_ack(_itimediff(kcp.current, ts))
			}

			kcp.parse_ack(sn)
			kcp.parse_fastack(sn)
			kcp.shrink_buf()
		} else if cmd == IKCP_CMD_PUSH {
			if _itimediff(sn, kcp.rcv_nxt+kcp.rcv_wnd) < 0 {
				kcp.ack_push(sn, ts)
				if _itimediff(sn, kcp.rcv_nxt) >= 0 {
					seg := kcp.newSegment(int(length))
					seg.conv = conv
					seg.cmd = uint32(cmd)
					seg.frg = uint32(frg)
					seg.wnd = uint32(wnd)
					seg.ts = ts
					seg.sn = sn
					seg.una = una
					copy(seg.data, data[:length])
					kcp.parse_data(seg)
				} else {
					atomic.AddUint64(&DefaultSnmp.RepeatSegs, 1)
				}
			} else {
				atomic.AddUint64(&DefaultSnmp.RepeatSegs, 1)
			}
		} else if cmd == IKCP_CMD_WASK {
			// ready to send back IKCP_CMD_WINS in flush
			// tell remote my window size
			kcp.probe |= IKCP_ASK_TELL
		} else if cmd == IKCP_CMD_WINS {
			// window advertisement already consumed above
		}

		data = data[length:]
	}

	// an advanced snd_una opens the congestion window
	if _itimediff(kcp.snd_una, snd_una) > 0 {
		if kcp.cwnd < kcp.rmt_wnd {
			mss := kcp.mss
			if kcp.cwnd < kcp.ssthresh {
				kcp.cwnd++
				kcp.incr += mss
			} else {
				if kcp.incr < mss {
					kcp.incr = mss
				}
				kcp.incr += (mss*mss)/kcp.incr + (mss / 16)
				if (kcp.cwnd+1)*mss <= kcp.incr {
					kcp.cwnd++
				}
			}
			if kcp.cwnd > kcp.rmt_wnd {
				kcp.cwnd = kcp.rmt_wnd
				kcp.incr = kcp.rmt_wnd * mss
			}
		}
	}

	if kcp.acknodelay && len(kcp.acklist) > 0 { // ack immediately
		kcp.flush(true)
	} else if kcp.rmt_wnd == 0 && len(kcp.acklist) > 0 { // window zero
		kcp.flush(true)
	}
	return err
}

func (kcp *KCP) wnd_unused() int32 {
	if len(kcp.rcv_queue) < int(kcp.rcv_wnd) {
		return int32(int(kcp.rcv_wnd) - len(kcp.rcv_queue))
	}
	return 0
}

// flush pending output: acks first so the peer RTT estimate stays
// tight, then window probes, then data and retransmissions
func (kcp *KCP) flush(ackOnly bool) {
	buffer := kcp.buffer
	change := 0
	lost := false

	var seg Segment
	seg.conv = kcp.conv
	seg.cmd = IKCP_CMD_ACK
	seg.wnd = uint32(kcp.wnd_unused())
	seg.una = kcp.rcv_nxt

	// flush acknowledges; acks below rcv_nxt are already covered by the
	// cumulative una on every outgoing segment, keep the last one as an
	// RTT keepalive sample
	ptr := buffer
	for i, ack := range kcp.acklist {
		if _itimediff(ack.sn, kcp.rcv_nxt) >= 0 || len(kcp.acklist)-1 == i {
			size := len(buffer) - len(ptr)
			if size+IKCP_OVERHEAD > int(kcp.mtu) {
				kcp.output(buffer, size)
				ptr = buffer
			}
			seg.sn, seg.ts = ack.sn, ack.ts
			ptr = seg.encode(ptr)
		}
	}
	kcp.acklist = kcp.acklist[:0]

	if ackOnly { // flush remaining ack segments only
		size := len(buffer) - len(ptr)
		if size > 0 {
			kcp.output(buffer, size)
		}
		return
	}

	current := kcp.current
	// probe window size (if remote window size equals zero)
	if kcp.rmt_wnd == 0 {
		if kcp.probe_wait == 0 {
			kcp.probe_wait = IKCP_PROBE_INIT
			kcp.ts_probe = current + kcp.probe_wait
		} else {
			if _itimediff(current, kcp.ts_probe) >= 0 {
				if kcp.probe_wait < IKCP_PROBE_INIT {
					kcp.probe_wait = IKCP_PROBE_INIT
				}
				kcp.probe_wait += kcp.probe_wait / 2
				if kcp.probe_wait > IKCP_PROBE_LIMIT {
					kcp.probe_wait = IKCP_PROBE_LIMIT
				}
				kcp.ts_probe = current + kcp.probe_wait
				kcp.probe |= IKCP_ASK_SEND
			}
		}
	} else {
		kcp.ts_probe = 0
		kcp.probe_wait = 0
	}

	// flush window probing commands
	if (kcp.probe & IKCP_ASK_SEND) != 0 {
		seg.cmd = IKCP_CMD_WASK
		size := len(buffer) - len(ptr)
		if size+IKCP_OVERHEAD > int(kcp.mtu) {
			kcp.output(buffer, size)
			ptr = buffer
		}
		ptr = seg.encode(ptr)
	}

	if (kcp.probe & IKCP_ASK_TELL) != 0 {
		seg.cmd = IKCP_CMD_WINS
		size := len(buffer) - len(ptr)
		if size+IKCP_OVERHEAD > int(kcp.mtu) {
			kcp.output(buffer, size)
			ptr = buffer
		}
		ptr = seg.encode(ptr)
	}

	kcp.probe = 0

	// calculate the effective window
	cwnd := _imin_(kcp.snd_wnd, kcp.rmt_wnd)
	if kcp.nocwnd == 0 {
		cwnd = _imin_(kcp.cwnd, cwnd)
	}

	// sliding window, controlled by snd_nxt && snd_una+cwnd
	newSegsCount := 0
	for k := range kcp.snd_queue {
		if _itimediff(kcp.snd_nxt, kcp.snd_una+cwnd) >= 0 {
			break
		}
		newseg := kcp.snd_queue[k]
		newseg.conv = kcp.conv
		newseg.cmd = IKCP_CMD_PUSH
		newseg.sn = kcp.snd_nxt
		newseg.rto = kcp.rx_rto
		newseg.resendts = current + newseg.rto + kcp.rx_minrto
		newseg.fastack = 0
		newseg.xmit = 0
		kcp.snd_buf = append(kcp.snd_buf, newseg)
		kcp.snd_nxt++
		newSegsCount++
		kcp.snd_queue[k].data = nil
	}
	kcp.snd_queue = kcp.snd_queue[newSegsCount:]

	// calculate resent
	resent := uint32(kcp.fastresend)
	if kcp.fastresend <= 0 {
		resent = 0xffffffff
	}

	// counters
	var lostSegs, fastRetransSegs, earlyRetransSegs uint64

	// send new segments
	for k := len(kcp.snd_buf) - newSegsCount; k < len(kcp.snd_buf); k++ {
		segment := &kcp.snd_buf[k]
		segment.xmit++
		segment.ts = current
		segment.wnd = seg.wnd
		segment.una = kcp.rcv_nxt

		size := len(buffer) - len(ptr)
		need := IKCP_OVERHEAD + len(segment.data)

		if size+need > int(kcp.mtu) {
			kcp.output(buffer, size)
			ptr = buffer
		}

		ptr = segment.encode(ptr)
		copy(ptr, segment.data)
		ptr = ptr[len(segment.data):]
	}

	// check for retransmissions
	for k := 0; k < len(kcp.snd_buf)-newSegsCount; k++ {
		segment := &kcp.snd_buf[k]
		needsend := false
		if _itimediff(current, segment.resendts) >= 0 { // RTO
			needsend = true
			segment.xmit++
			kcp.xmit++
			if kcp.nodelay == 0 {
				segment.rto += segment.rto
			} else {
				segment.rto += _imax_(segment.rto, kcp.rx_rto) / 2
			}
			if segment.rto > IKCP_RTO_MAX {
				segment.rto = IKCP_RTO_MAX
			}
			segment.resendts = current + segment.rto
			lost = true
			lostSegs++
		} else if segment.fastack >= resent { // fast retransmit
			needsend = true
			segment.xmit++
			segment.fastack = 0
			segment.rto = kcp.rx_rto
			segment.resendts = current + segment.rto
			change++
			fastRetransSegs++
		} else if segment.fastack > 0 && newSegsCount == 0 { // early retransmit
			needsend = true
			segment.xmit++
			segment.fastack = 0
			segment.rto = kcp.rx_rto
			segment.resendts = current + segment.rto
			change++
			earlyRetransSegs++
		}

		if needsend {
			segment.ts = current
			segment.wnd = seg.wnd
			segment.una = kcp.rcv_nxt

			size := len(buffer) - len(ptr)
			need := IKCP_OVERHEAD + len(segment.data)

			if size+need > int(kcp.mtu) {
				kcp.output(buffer, size)
				ptr = buffer
			}

			ptr = segment.encode(ptr)
			copy(ptr, segment.data)
			ptr = ptr[len(segment.data):]

			if segment.xmit >= kcp.dead_link {
				kcp.state = 0xFFFFFFFF
			}
		}
	}

	// flush remaining segments
	size := len(buffer) - len(ptr)
	if size > 0 {
		kcp.output(buffer, size)
	}

	// counter updates
	sum := lostSegs
	if lostSegs > 0 {
		atomic.AddUint64(&DefaultSnmp.LostSegs, lostSegs)
	}
	if fastRetransSegs > 0 {
		atomic.AddUint64(&DefaultSnmp.FastRetransSegs, fastRetransSegs)
		sum += fastRetransSegs
	}
	if earlyRetransSegs > 0 {
		atomic.AddUint64(&DefaultSnmp.EarlyRetransSegs, earlyRetransSegs)
		sum += earlyRetransSegs
	}
	if sum > 0 {
		atomic.AddUint64(&DefaultSnmp.RetransSegs, sum)
	}

	// update ssthresh
	// rate halving, https://tools.ietf.org/html/rfc6937
	if change != 0 {
		inflight := kcp.snd_nxt - kcp.snd_una
		kcp.ssthresh = inflight / 2
		if kcp.ssthresh < IKCP_THRESH_MIN {
			kcp.ssthresh = IKCP_THRESH_MIN
		}
		kcp.cwnd = kcp.ssthresh + resent
		kcp.incr = kcp.cwnd * kcp.mss
	}

	// congestion control, https://tools.ietf.org/html/rfc5681
	if lost {
		kcp.ssthresh = cwnd / 2
		if kcp.ssthresh < IKCP_THRESH_MIN {
			kcp.ssthresh = IKCP_THRESH_MIN
		}
		kcp.cwnd = 1
		kcp.incr = kcp.mss
	}

	if kcp.cwnd < 1 {
		kcp.cwnd = 1
		kcp.incr = kcp.mss
	}
}

// Update advances the engine to 'current' (a monotonic millisecond
// counter owned by the caller) and flushes when the next deadline has
// been reached. Call it repeatedly, every 10ms-100ms, or use Check to
// learn when the next call is actually due.
func (kcp *KCP) Update(current uint32) {
	var slap int32

	kcp.current = current
	if kcp.updated == 0 {
		kcp.updated = 1
		kcp.ts_flush = current
	}

	slap = _itimediff(current, kcp.ts_flush)

	if slap >= 10000 || slap < -10000 {
		kcp.ts_flush = current
		slap = 0
	}

	if slap >= 0 {
		kcp.ts_flush += kcp.interval
		if _itimediff(current, kcp.ts_flush) >= 0 {
			kcp.ts_flush = current + kcp.interval
		}
		kcp.flush(false)
	}
}

// Check returns the time at which Update should next be invoked: the
// flush deadline or the earliest retransmission timer, whichever comes
// first. Callers may sleep until then instead of polling.
func (kcp *KCP) Check(current uint32) uint32 {
	ts_flush := kcp.ts_flush
	tm_flush := int32(0x7fffffff)
	tm_packet := int32(0x7fffffff)
	minimal := uint32(0)
	if kcp.updated == 0 {
		return current
	}

	if _itimediff(current, ts_flush) >= 10000 ||
		_itimediff(current, ts_flush) < -10000 {
		ts_flush = current
	}

	if _itimediff(current, ts_flush) >= 0 {
		return current
	}

	tm_flush = _itimediff(ts_flush, current)

	for k := range kcp.snd_buf {
		seg := &kcp.snd_buf[k]
		diff := _itimediff(seg.resendts, current)
		if diff <= 0 {
			return current
		}
		if diff < tm_packet {
			tm_packet = diff
		}
	}

	minimal = uint32(tm_packet)
	if tm_packet >= tm_flush {
		minimal = uint32(tm_flush)
	}
	if minimal >= kcp.interval {
		minimal = kcp.interval
	}

	return current + minimal
}

// Flush forces immediate emission of everything pending at 'current'
func (kcp *KCP) Flush(current uint32) {
	kcp.current = current
	if kcp.updated == 0 {
		kcp.updated = 1
		kcp.ts_flush = current
	}
	kcp.flush(false)
}

// SetMtu changes MTU size, default is 1400
func (kcp *KCP) SetMtu(mtu int) error {
	if mtu < 50 || mtu < IKCP_OVERHEAD {
		return errors.New("mtu below protocol overhead")
	}
	buffer := make([]byte, (mtu+IKCP_OVERHEAD)*3)
	kcp.mtu = uint32(mtu)
	kcp.mss = kcp.mtu - IKCP_OVERHEAD
	kcp.buffer = buffer
	return nil
}

// Mss returns the maximum segment payload
func (kcp *KCP) Mss() int {
	return int(kcp.mss)
}

// NoDelay options
// fastest: NoDelay(1, 20, 2, 1)
// nodelay: 0:disable(default), 1:enable
// interval: internal update timer interval in millisec, default is 100ms
// resend: 0:disable fast resend(default), else the fastack threshold
// nc: 0:normal congestion control(default), 1:disable congestion control
func (kcp *KCP) NoDelay(nodelay, interval, resend, nc int) {
	if nodelay >= 0 {
		kcp.nodelay = uint32(nodelay)
		if nodelay != 0 {
			kcp.rx_minrto = IKCP_RTO_NDL
		} else {
			kcp.rx_minrto = IKCP_RTO_MIN
		}
	}
	if interval >= 0 {
		if interval > 5000 {
			interval = 5000
		} else if interval < 10 {
			interval = 10
		}
		kcp.interval = uint32(interval)
	}
	if resend >= 0 {
		kcp.fastresend = int32(resend)
	}
	if nc >= 0 {
		kcp.nocwnd = int32(nc)
	}
}

// WndSize sets maximum window sizes: sndwnd=32, rcvwnd=128 by default
func (kcp *KCP) WndSize(sndwnd, rcvwnd int) {
	if sndwnd > 0 {
		kcp.snd_wnd = uint32(sndwnd)
	}
	if rcvwnd > 0 {
		kcp.rcv_wnd = uint32(rcvwnd)
	}
}

// SetStreamMode toggles coalescing of sends into the queue tail
func (kcp *KCP) SetStreamMode(enable bool) {
	if enable {
		kcp.stream = 1
	} else {
		kcp.stream = 0
	}
}

// SetACKNoDelay makes Input flush pending acks immediately instead of
// waiting for the next update tick
func (kcp *KCP) SetACKNoDelay(nodelay bool) {
	kcp.acknodelay = nodelay
}

// WaitSnd gets how many segments are waiting to be sent
func (kcp *KCP) WaitSnd() int {
	return len(kcp.snd_buf) + len(kcp.snd_queue)
}

// Cwnd returns the current effective send window in segments
func (kcp *KCP) Cwnd() uint32 {
	cwnd := _imin_(kcp.snd_wnd, kcp.rmt_wnd)
	if kcp.nocwnd == 0 {
		cwnd = _imin_(kcp.cwnd, cwnd)
	}
	return cwnd
}

// GetConv gets the conversation id
func (kcp *KCP) GetConv() uint32 {
	return kcp.conv
}

// IsDeadLink reports whether some segment has exceeded the
// retransmission limit, which marks the link as broken
func (kcp *KCP) IsDeadLink() bool {
	return kcp.state == 0xFFFFFFFF
}
