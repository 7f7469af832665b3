package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Veipin/kcpclient"
	"github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"
)

func main() {
	if err := _main(); err != nil {
		defer os.Exit(1)

		var st errors.StackTrace
		type stackTracer interface {
			StackTrace() errors.StackTrace
		}
		if e, ok := err.(stackTracer); ok {
			st = e.StackTrace()
		}
		glog.Errorf("%s%+v\n", err, st)
	}
	glog.Flush()
}

func _main() error {
	// --- parse flags and positional arguments
	var configFile string
	flag.StringVar(&configFile, "c", "", "path of config file (defaults apply when empty)")
	flag.Parse()

	args := flag.Args()
	if len(args) != 3 {
		return errors.New("usage: kcpclient [-c config.toml] <local_port> <peer_ip:peer_port> <send_count>")
	}
	localPort, err := strconv.Atoi(args[0])
	if err != nil || localPort <= 0 || localPort > 65535 {
		return errors.New("invalid local port: " + args[0])
	}
	peer := args[1]
	sendCount, err := strconv.Atoi(args[2])
	if err != nil || sendCount < 0 {
		return errors.New("invalid send count: " + args[2])
	}

	conf, err := newConfigRepr(configFile)
	if err != nil {
		return err
	}

	// --- signals: main owns the shutdown channel, handlers only feed it
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGABRT, unix.SIGPWR)
	signal.Ignore(syscall.SIGHUP, syscall.SIGPIPE)

	// --- optional metrics endpoint
	if conf.MetricsListen != "" {
		prometheus.MustRegister(kcpclient.NewSnmpCollector("kcpclient", kcpclient.DefaultSnmp, nil))
		go func() {
			if err := http.ListenAndServe(conf.MetricsListen, promhttp.Handler()); err != nil {
				glog.Errorf("metrics endpoint: %v", err)
			}
		}()
	}

	return run(localPort, peer, sendCount, conf, stop)
}

// run owns the whole conversation: one goroutine drives the engine
// through send, input, recv and update, pacing on Check between ticks
func run(localPort int, peer string, sendCount int, conf *configRepr, stop chan os.Signal) error {
	raddr, err := net.ResolveUDPAddr("udp", peer)
	if err != nil {
		return errors.WithStack(err)
	}
	conn, err := net.DialUDP("udp", &net.UDPAddr{Port: localPort}, raddr)
	if err != nil {
		return errors.WithStack(err)
	}
	defer conn.Close()

	kcp := kcpclient.NewKCP(conf.Conv, func(buf []byte, size int) {
		if _, err := conn.Write(buf[:size]); err != nil {
			glog.V(1).Infof("udp write: %v", err)
		}
	})
	kcp.NoDelay(conf.NoDelay.NoDelay, conf.NoDelay.Interval, conf.NoDelay.Resend, conf.NoDelay.NoCongestion)
	kcp.WndSize(conf.SndWnd, conf.RcvWnd)
	if err := kcp.SetMtu(conf.Mtu); err != nil {
		return err
	}
	kcp.SetStreamMode(conf.Stream)
	kcp.SetACKNoDelay(conf.AckNoDelay)

	glog.Infof("conv %#x: %v <-> %v, sending %d messages", conf.Conv, conn.LocalAddr(), raddr, sendCount)

	pkt := make([]byte, 2048)
	msg := make([]byte, 65536)
	sent, received := 0, 0

	for {
		select {
		case sig := <-stop:
			glog.Infof("signal %v, shutting down", sig)
			return summarize(sent, received)
		default:
		}

		now := currentMs()
		kcp.Update(now)

		// keep the window full until sendCount messages are out
		for sent < sendCount && kcp.WaitSnd() < int(kcp.Cwnd()) {
			payload := fmt.Sprintf("message %d at %d", sent, now)
			if err := kcp.Send([]byte(payload)); err != nil {
				return err
			}
			sent++
		}

		// drain whatever the peer delivered
		for {
			n, err := kcp.Recv(msg)
			if err != nil {
				break
			}
			received++
			glog.V(2).Infof("recv %d bytes: %q", n, msg[:n])
		}

		if sent == sendCount && kcp.WaitSnd() == 0 {
			glog.Infof("all %d messages delivered", sent)
			return summarize(sent, received)
		}
		if kcp.IsDeadLink() {
			return errors.New("peer unreachable: link is dead")
		}

		// sleep on the socket until the next protocol deadline
		wait := int32(kcp.Check(currentMs()) - currentMs())
		if wait < 1 {
			wait = 1
		}
		if err := conn.SetReadDeadline(time.Now().Add(time.Duration(wait) * time.Millisecond)); err != nil {
			return errors.WithStack(err)
		}
		n, err := conn.Read(pkt)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return errors.WithStack(err)
		}
		if err := kcp.Input(pkt[:n]); err != nil {
			glog.V(1).Infof("input: %v", err)
		}
	}
}

func summarize(sent, received int) error {
	glog.Infof("sent %d, received %d", sent, received)

	snmp := kcpclient.DefaultSnmp.Copy()
	header := snmp.Header()
	values := snmp.ToSlice()
	pairs := make([]string, len(header))
	for i := range header {
		pairs[i] = header[i] + "=" + values[i]
	}
	glog.Infof("snmp: %s", strings.Join(pairs, " "))
	return nil
}

func currentMs() uint32 {
	return uint32(time.Now().UnixNano() / int64(time.Millisecond))
}
