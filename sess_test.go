package kcpclient

import (
	"bytes"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func tune(s *UDPSession) {
	s.SetNoDelay(1, 10, 2, 1)
	s.SetACKNoDelay(true)
}

func echoServer(l *Listener) {
	for {
		s, err := l.AcceptKCP()
		if err != nil {
			return
		}
		tune(s)
		go func(s *UDPSession) {
			defer s.Close()
			buf := make([]byte, 8192)
			for {
				if err := s.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
					return
				}
				n, err := s.Read(buf)
				if err != nil {
					return
				}
				if _, err := s.Write(buf[:n]); err != nil {
					return
				}
			}
		}(s)
	}
}

func TestSessionEcho(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go echoServer(l)

	c, err := Dial(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	tune(c)

	msg := []byte("ping over lossy ground")
	if _, err := c.Write(msg); err != nil {
		t.Fatal(err)
	}

	if err := c.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1024)
	n, err := c.Read(buf)
	if err != nil {
		t.Fatalf("echo read: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("echo = %q, want %q", buf[:n], msg)
	}
}

func TestListenerDemuxesClients(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go echoServer(l)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(tag byte) {
			c, err := Dial(l.Addr().String())
			if err != nil {
				done <- err
				return
			}
			defer c.Close()
			tune(c)

			msg := bytes.Repeat([]byte{tag}, 32)
			if _, err := c.Write(msg); err != nil {
				done <- err
				return
			}
			c.SetReadDeadline(time.Now().Add(5 * time.Second))
			buf := make([]byte, 64)
			n, err := c.Read(buf)
			if err != nil {
				done <- err
				return
			}
			if !bytes.Equal(buf[:n], msg) {
				done <- io.ErrUnexpectedEOF
				return
			}
			done <- nil
		}(byte('A' + i))
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("client %d: %v", i, err)
		}
	}
}

func TestSessionLargeTransfer(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go echoServer(l)

	c, err := Dial(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	tune(c)

	const total = 64 * 1024
	src := make([]byte, total)
	for i := range src {
		src[i] = byte(i % 251)
	}

	go func() {
		for off := 0; off < total; off += 4096 {
			if _, err := c.Write(src[off : off+4096]); err != nil {
				return
			}
		}
	}()

	got := make([]byte, 0, total)
	buf := make([]byte, 8192)
	for len(got) < total {
		if err := c.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
			t.Fatal(err)
		}
		n, err := c.Read(buf)
		if err != nil {
			t.Fatalf("read after %d bytes: %v", len(got), err)
		}
		got = append(got, buf[:n]...)
	}

	if !bytes.Equal(got, src) {
		t.Fatal("echoed bytes differ from the sent stream")
	}
}

func TestSessionReadDeadline(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	c, err := Dial(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	c.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, err = c.Read(make([]byte, 16))
	ne, ok := err.(net.Error)
	if !ok || !ne.Timeout() {
		t.Fatalf("expected a timeout error, got %v", err)
	}
}

func TestSessionClosedRejectsIO(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	c, err := Dial(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err == nil {
		t.Fatal("double close must fail")
	}
	if _, err := c.Write([]byte("x")); err == nil {
		t.Fatal("write on closed session must fail")
	}
	if _, err := c.Read(make([]byte, 16)); err == nil {
		t.Fatal("read on closed session must fail")
	}
}

func TestSessionConvAgreement(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	accepted := make(chan *UDPSession, 1)
	go func() {
		if s, err := l.AcceptKCP(); err == nil {
			accepted <- s
		}
	}()

	c, err := DialWithConv(l.Addr().String(), 0xcafebabe)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	tune(c)
	if c.GetConv() != 0xcafebabe {
		t.Fatalf("client conv = %#x", c.GetConv())
	}
	if _, err := c.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	select {
	case s := <-accepted:
		defer s.Close()
		if s.GetConv() != 0xcafebabe {
			t.Fatalf("server conv = %#x", s.GetConv())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no session accepted")
	}
}

func TestSnmpCountersMove(t *testing.T) {
	outBefore := atomic.LoadUint64(&DefaultSnmp.OutSegs)
	inBefore := atomic.LoadUint64(&DefaultSnmp.InSegs)

	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go echoServer(l)

	c, err := Dial(l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	tune(c)

	if _, err := c.Write([]byte("count me")); err != nil {
		t.Fatal(err)
	}
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Read(make([]byte, 64)); err != nil {
		t.Fatal(err)
	}

	if atomic.LoadUint64(&DefaultSnmp.OutSegs) == outBefore {
		t.Fatal("OutSegs did not move")
	}
	if atomic.LoadUint64(&DefaultSnmp.InSegs) == inBefore {
		t.Fatal("InSegs did not move")
	}
}
