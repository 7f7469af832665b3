package kcpclient

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"golang.org/x/net/ipv4"
)

type errTimeout struct {
	error
}

func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }
func (errTimeout) Error() string   { return "i/o timeout" }

const (
	mtuLimit                 = 2048
	rxQueueLimit             = 8192
	acceptBacklog            = 1024
	defaultKeepAliveInterval = 10 // seconds; three silent intervals close the session
	defaultSessionTTL        = 90 * time.Second
	sessionCleanupInterval   = 2 * time.Minute
)

const (
	errBrokenPipe       = "broken pipe"
	errInvalidOperation = "invalid operation"
)

var xmitBuf sync.Pool

func init() {
	xmitBuf.New = func() interface{} {
		return make([]byte, mtuLimit)
	}
}

type (
	// UDPSession is one end of a conversation carried over UDP. It
	// implements net.Conn on top of the ARQ engine: Write fragments the
	// byte stream into protocol messages, Read merges them back.
	UDPSession struct {
		sid xid.ID
		kcp *KCP      // the core ARQ
		l   *Listener // point to server listener if it's a server socket

		conn              net.PacketConn // the underlying packet socket
		remote            net.Addr
		rd                time.Time // read deadline
		wd                time.Time // write deadline
		sockbuff          []byte    // leftover bytes of a partially read message
		die               chan struct{}
		chReadEvent       chan struct{}
		chWriteEvent      chan struct{}
		isClosed          bool
		keepAliveInterval int32
		lastInputNano     int64
		mu                sync.Mutex
	}

	setReadBuffer interface {
		SetReadBuffer(bytes int) error
	}

	setWriteBuffer interface {
		SetWriteBuffer(bytes int) error
	}

	emitPacket struct {
		conn    net.PacketConn
		to      net.Addr
		data    []byte
		recycle bool
	}
)

// newUDPSession creates a new udp session for client or server
func newUDPSession(conv uint32, l *Listener, conn net.PacketConn, remote net.Addr) *UDPSession {
	sess := new(UDPSession)
	sess.sid = xid.New()
	sess.die = make(chan struct{})
	sess.chReadEvent = make(chan struct{}, 1)
	sess.chWriteEvent = make(chan struct{}, 1)
	sess.remote = remote
	sess.conn = conn
	sess.keepAliveInterval = defaultKeepAliveInterval
	sess.lastInputNano = time.Now().UnixNano()
	sess.l = l

	sess.kcp = NewKCP(conv, func(buf []byte, size int) {
		if size >= IKCP_OVERHEAD {
			sess.output(buf[:size])
		}
	})

	go sess.updater()
	if sess.l == nil { // it's a client connection
		go sess.readLoop()
		atomic.AddUint64(&DefaultSnmp.ActiveOpens, 1)
	} else {
		atomic.AddUint64(&DefaultSnmp.PassiveOpens, 1)
	}
	currestab := atomic.AddUint64(&DefaultSnmp.CurrEstab, 1)
	maxconn := atomic.LoadUint64(&DefaultSnmp.MaxConn)
	if currestab > maxconn {
		atomic.CompareAndSwapUint64(&DefaultSnmp.MaxConn, maxconn, currestab)
	}
	glog.V(1).Infof("session %s: conv %d %v <-> %v", sess.sid, conv, conn.LocalAddr(), remote)

	return sess
}

// Read implements the Conn Read method.
func (s *UDPSession) Read(b []byte) (n int, err error) {
	for {
		s.mu.Lock()
		if len(s.sockbuff) > 0 { // copy from buffer
			n = copy(b, s.sockbuff)
			s.sockbuff = s.sockbuff[n:]
			s.mu.Unlock()
			return n, nil
		}

		if s.isClosed {
			s.mu.Unlock()
			return 0, errors.New(errBrokenPipe)
		}

		if !s.rd.IsZero() {
			if time.Now().After(s.rd) { // timeout
				s.mu.Unlock()
				return 0, errTimeout{}
			}
		}

		if size := s.kcp.PeekSize(); size > 0 { // data arrived
			if len(b) >= size {
				n, err = s.kcp.Recv(b)
			} else {
				buf := make([]byte, size)
				if _, err = s.kcp.Recv(buf); err == nil {
					n = copy(b, buf)
					s.sockbuff = buf[n:] // store remaining bytes for next read
				}
			}
			s.mu.Unlock()
			if err != nil {
				return 0, err
			}
			atomic.AddUint64(&DefaultSnmp.BytesReceived, uint64(n))
			return n, nil
		}

		var timeout *time.Timer
		var c <-chan time.Time
		if !s.rd.IsZero() {
			delay := time.Until(s.rd)
			timeout = time.NewTimer(delay)
			c = timeout.C
		}
		s.mu.Unlock()

		// wait for read event or timeout
		select {
		case <-s.chReadEvent:
		case <-c:
		case <-s.die:
		}

		if timeout != nil {
			timeout.Stop()
		}
	}
}

// Write implements the Conn Write method.
func (s *UDPSession) Write(b []byte) (n int, err error) {
	if len(b) == 0 {
		return 0, nil
	}
	for {
		s.mu.Lock()
		if s.isClosed {
			s.mu.Unlock()
			return 0, errors.New(errBrokenPipe)
		}

		if !s.wd.IsZero() {
			if time.Now().After(s.wd) { // timeout
				s.mu.Unlock()
				return 0, errTimeout{}
			}
		}

		if s.kcp.WaitSnd() < int(s.kcp.Cwnd()) {
			n = len(b)
			mss := s.kcp.Mss()
			for {
				if len(b) <= mss {
					err = s.kcp.Send(b)
					break
				}
				if err = s.kcp.Send(b[:mss]); err != nil {
					break
				}
				b = b[mss:]
			}
			if err == nil {
				s.kcp.Flush(currentMs())
			}
			s.mu.Unlock()
			if err != nil {
				return 0, err
			}
			atomic.AddUint64(&DefaultSnmp.BytesSent, uint64(n))
			return n, nil
		}

		var timeout *time.Timer
		var c <-chan time.Time
		if !s.wd.IsZero() {
			delay := time.Until(s.wd)
			timeout = time.NewTimer(delay)
			c = timeout.C
		}
		s.mu.Unlock()

		// wait for write event or timeout
		select {
		case <-s.chWriteEvent:
		case <-c:
		case <-s.die:
		}

		if timeout != nil {
			timeout.Stop()
		}
	}
}

// Close closes the connection.
func (s *UDPSession) Close() error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return errors.New(errBrokenPipe)
	}
	close(s.die)
	s.isClosed = true
	s.mu.Unlock()

	atomic.AddUint64(&DefaultSnmp.CurrEstab, ^uint64(0))
	glog.V(1).Infof("session %s: closed", s.sid)
	if s.l == nil { // client socket close
		return s.conn.Close()
	}
	s.l.sessions.Remove(s.remote.String())
	return nil
}

// LocalAddr returns the local network address. The Addr returned is shared by all invocations of LocalAddr, so do not modify it.
func (s *UDPSession) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// RemoteAddr returns the remote network address. The Addr returned is shared by all invocations of RemoteAddr, so do not modify it.
func (s *UDPSession) RemoteAddr() net.Addr { return s.remote }

// SetDeadline sets both read and write deadlines. A zero time value disables the deadline.
func (s *UDPSession) SetDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rd = t
	s.wd = t
	return nil
}

// SetReadDeadline implements the Conn SetReadDeadline method.
func (s *UDPSession) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rd = t
	return nil
}

// SetWriteDeadline implements the Conn SetWriteDeadline method.
func (s *UDPSession) SetWriteDeadline(t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wd = t
	return nil
}

// SetWindowSize sets maximum window sizes
func (s *UDPSession) SetWindowSize(sndwnd, rcvwnd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kcp.WndSize(sndwnd, rcvwnd)
}

// SetMtu sets the maximum transmission unit
func (s *UDPSession) SetMtu(mtu int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mtu > mtuLimit {
		return errors.New(errInvalidOperation)
	}
	return s.kcp.SetMtu(mtu)
}

// SetStreamMode toggles the stream mode on/off
func (s *UDPSession) SetStreamMode(enable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kcp.SetStreamMode(enable)
}

// SetACKNoDelay changes the ack flush option, set true to flush acks immediately
func (s *UDPSession) SetACKNoDelay(nodelay bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kcp.SetACKNoDelay(nodelay)
}

// SetNoDelay calls NoDelay() of the engine
func (s *UDPSession) SetNoDelay(nodelay, interval, resend, nc int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kcp.NoDelay(nodelay, interval, resend, nc)
}

// SetDSCP sets the 6bit DSCP field of IP header, no effect if it's accepted from Listener
func (s *UDPSession) SetDSCP(dscp int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l == nil {
		if nc, ok := s.conn.(*ConnectedUDPConn); ok {
			return ipv4.NewConn(nc.Conn).SetTOS(dscp << 2)
		} else if nc, ok := s.conn.(net.Conn); ok {
			return ipv4.NewConn(nc).SetTOS(dscp << 2)
		}
	}
	return errors.New(errInvalidOperation)
}

// SetReadBuffer sets the socket read buffer, no effect if it's accepted from Listener
func (s *UDPSession) SetReadBuffer(bytes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l == nil {
		if nc, ok := s.conn.(setReadBuffer); ok {
			return nc.SetReadBuffer(bytes)
		}
	}
	return errors.New(errInvalidOperation)
}

// SetWriteBuffer sets the socket write buffer, no effect if it's accepted from Listener
func (s *UDPSession) SetWriteBuffer(bytes int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l == nil {
		if nc, ok := s.conn.(setWriteBuffer); ok {
			return nc.SetWriteBuffer(bytes)
		}
	}
	return errors.New(errInvalidOperation)
}

// SetKeepAlive changes the silence tolerance in seconds; the session is
// closed after three silent intervals, 0 disables the check
func (s *UDPSession) SetKeepAlive(interval int) {
	atomic.StoreInt32(&s.keepAliveInterval, int32(interval))
}

// GetConv gets the conversation id of the session
func (s *UDPSession) GetConv() uint32 {
	return s.kcp.GetConv()
}

// output hands one finished datagram to the emitter; the engine reuses
// its flush buffer, so the bytes are copied out first
func (s *UDPSession) output(buf []byte) {
	ext := xmitBuf.Get().([]byte)[:len(buf)]
	copy(ext, buf)
	defaultEmitter.emit(emitPacket{s.conn, s.remote, ext, true})
}

// updater drives Update/Check: it sleeps exactly until the next
// protocol deadline instead of polling at a fixed rate
func (s *UDPSession) updater() {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
		case <-s.die:
			return
		}

		s.mu.Lock()
		s.kcp.Update(currentMs())
		if s.kcp.WaitSnd() < int(s.kcp.Cwnd()) {
			s.notifyWriteEvent()
		}
		dead := s.kcp.IsDeadLink()
		next := s.kcp.Check(currentMs())
		s.mu.Unlock()

		if dead {
			glog.Warningf("session %s: link to %v is dead, giving up", s.sid, s.remote)
			s.Close()
			return
		}
		if interval := atomic.LoadInt32(&s.keepAliveInterval); interval > 0 {
			silent := time.Since(time.Unix(0, atomic.LoadInt64(&s.lastInputNano)))
			if silent > 3*time.Duration(interval)*time.Second {
				glog.Warningf("session %s: peer %v silent for %v, closing", s.sid, s.remote, silent)
				s.Close()
				return
			}
		}

		delay := _itimediff(next, currentMs())
		if delay < 0 {
			delay = 0
		}
		timer.Reset(time.Duration(delay) * time.Millisecond)
	}
}

func (s *UDPSession) notifyReadEvent() {
	select {
	case s.chReadEvent <- struct{}{}:
	default:
	}
}

func (s *UDPSession) notifyWriteEvent() {
	select {
	case s.chWriteEvent <- struct{}{}:
	default:
	}
}

func (s *UDPSession) kcpInput(data []byte) {
	atomic.StoreInt64(&s.lastInputNano, time.Now().UnixNano())

	s.mu.Lock()
	if err := s.kcp.Input(data); err != nil {
		atomic.AddUint64(&DefaultSnmp.WireErrors, 1)
		glog.V(1).Infof("session %s: %v", s.sid, err)
	}
	// notify reader
	if n := s.kcp.PeekSize(); n > 0 {
		s.notifyReadEvent()
	}
	s.mu.Unlock()

	atomic.AddUint64(&DefaultSnmp.InSegs, 1)
	atomic.AddUint64(&DefaultSnmp.InBytes, uint64(len(data)))
}

func (s *UDPSession) receiver(ch chan []byte) {
	for {
		data := xmitBuf.Get().([]byte)[:mtuLimit]
		if n, _, err := s.conn.ReadFrom(data); err == nil && n >= IKCP_OVERHEAD {
			select {
			case ch <- data[:n]:
			case <-s.die:
				return
			}
		} else if err != nil {
			return
		} else {
			atomic.AddUint64(&DefaultSnmp.InErrs, 1)
		}
	}
}

// read loop for client session
func (s *UDPSession) readLoop() {
	chPacket := make(chan []byte, rxQueueLimit)
	go s.receiver(chPacket)

	for {
		select {
		case data := <-chPacket:
			s.kcpInput(data)
			xmitBuf.Put(data[:mtuLimit])
		case <-s.die:
			return
		}
	}
}

type (
	// Listener waits for conversations addressed to one local socket
	// and demultiplexes inbound datagrams to per-peer sessions
	Listener struct {
		conn      net.PacketConn
		sessions  sesscache
		chAccepts chan *UDPSession
		die       chan struct{}
		rd        atomic.Value
		wd        atomic.Value
	}

	packet struct {
		from net.Addr
		data []byte
	}
)

// monitor incoming data for all connections of the server
func (l *Listener) monitor() {
	chPacket := make(chan packet, rxQueueLimit)
	go l.receiver(chPacket)
	for {
		select {
		case p := <-chPacket:
			data := p.data
			from := p.from

			addr := from.String()
			s, ok := l.sessions.Get(addr)
			if !ok { // new session
				conv := binary.LittleEndian.Uint32(data)
				s = newUDPSession(conv, l, l.conn, from)
				s.kcpInput(data)
				l.sessions.Touch(addr, s)
				select {
				case l.chAccepts <- s:
				case <-l.die:
				}
			} else {
				s.kcpInput(data)
				l.sessions.Touch(addr, s)
			}

			xmitBuf.Put(p.data[:mtuLimit])
		case <-l.die:
			return
		}
	}
}

func (l *Listener) receiver(ch chan packet) {
	for {
		data := xmitBuf.Get().([]byte)[:mtuLimit]
		if n, from, err := l.conn.ReadFrom(data); err == nil && n >= IKCP_OVERHEAD {
			select {
			case ch <- packet{from, data[:n]}:
			case <-l.die:
				return
			}
		} else if err != nil {
			return
		} else {
			atomic.AddUint64(&DefaultSnmp.InErrs, 1)
		}
	}
}

// SetReadBuffer sets the socket read buffer for the Listener
func (l *Listener) SetReadBuffer(bytes int) error {
	if nc, ok := l.conn.(setReadBuffer); ok {
		return nc.SetReadBuffer(bytes)
	}
	return errors.New(errInvalidOperation)
}

// SetWriteBuffer sets the socket write buffer for the Listener
func (l *Listener) SetWriteBuffer(bytes int) error {
	if nc, ok := l.conn.(setWriteBuffer); ok {
		return nc.SetWriteBuffer(bytes)
	}
	return errors.New(errInvalidOperation)
}

// SetDSCP sets the 6bit DSCP field of IP header
func (l *Listener) SetDSCP(dscp int) error {
	if nc, ok := l.conn.(net.Conn); ok {
		return ipv4.NewConn(nc).SetTOS(dscp << 2)
	}
	return errors.New(errInvalidOperation)
}

// Accept implements the Accept method in the net.Listener interface.
func (l *Listener) Accept() (net.Conn, error) {
	return l.AcceptKCP()
}

// AcceptKCP accepts an incoming conversation
func (l *Listener) AcceptKCP() (*UDPSession, error) {
	var timeout <-chan time.Time
	if tdeadline, ok := l.rd.Load().(time.Time); ok && !tdeadline.IsZero() {
		timeout = time.After(time.Until(tdeadline))
	}

	select {
	case <-timeout:
		return nil, errTimeout{}
	case c := <-l.chAccepts:
		return c, nil
	case <-l.die:
		return nil, errors.New(errBrokenPipe)
	}
}

// SetDeadline sets the deadline associated with the listener. A zero time value disables the deadline.
func (l *Listener) SetDeadline(t time.Time) error {
	l.SetReadDeadline(t)
	l.SetWriteDeadline(t)
	return nil
}

// SetReadDeadline implements the Conn SetReadDeadline method.
func (l *Listener) SetReadDeadline(t time.Time) error {
	l.rd.Store(t)
	return nil
}

// SetWriteDeadline implements the Conn SetWriteDeadline method.
func (l *Listener) SetWriteDeadline(t time.Time) error {
	l.wd.Store(t)
	return nil
}

// Close stops listening on the UDP address. Already accepted sessions are not closed.
func (l *Listener) Close() error {
	close(l.die)
	return l.conn.Close()
}

// Addr returns the listener's network address. The Addr returned is shared by all invocations of Addr, so do not modify it.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Listen waits for incoming conversations on the local address laddr
func Listen(laddr string) (*Listener, error) {
	udpaddr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, errors.Wrap(err, "net.ResolveUDPAddr")
	}
	conn, err := net.ListenUDP("udp", udpaddr)
	if err != nil {
		return nil, errors.Wrap(err, "net.ListenUDP")
	}

	return ServeConn(conn)
}

// ServeConn serves the protocol on a single packet connection.
func ServeConn(conn net.PacketConn) (*Listener, error) {
	l := new(Listener)
	l.conn = conn
	l.sessions = newSesscache(defaultSessionTTL, sessionCleanupInterval)
	l.chAccepts = make(chan *UDPSession, acceptBacklog)
	l.die = make(chan struct{})

	go l.monitor()
	return l, nil
}

// Dial connects to the remote address raddr with a random conversation id
func Dial(raddr string) (*UDPSession, error) {
	var conv uint32
	if err := binary.Read(rand.Reader, binary.LittleEndian, &conv); err != nil {
		return nil, errors.Wrap(err, "rand.Read")
	}
	return DialWithConv(raddr, conv)
}

// DialWithConv connects to the remote address raddr using the
// conversation id agreed with the peer out of band
func DialWithConv(raddr string, conv uint32) (*UDPSession, error) {
	udpaddr, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		return nil, errors.Wrap(err, "net.ResolveUDPAddr")
	}

	udpconn, err := net.DialUDP("udp", nil, udpaddr)
	if err != nil {
		return nil, errors.Wrap(err, "net.DialUDP")
	}

	return NewConn(conv, udpaddr, &ConnectedUDPConn{udpconn, udpconn})
}

// NewConn establishes a session over an existing packet connection.
func NewConn(conv uint32, remote net.Addr, conn net.PacketConn) (*UDPSession, error) {
	return newUDPSession(conv, nil, conn, remote), nil
}

func currentMs() uint32 {
	return uint32(time.Now().UnixNano() / int64(time.Millisecond))
}

// ConnectedUDPConn is a wrapper for net.UDPConn which converts WriteTo syscalls
// to Write syscalls that are 4 times faster on some OS'es. This should only be
// used for connections that were produced by a net.Dial* call.
type ConnectedUDPConn struct {
	*net.UDPConn
	Conn net.Conn // underlying connection if any
}

// WriteTo redirects all writes to the Write syscall, which is 4 times faster.
func (c *ConnectedUDPConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	return c.Write(b)
}
