package main

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// ############
//  Config File
// ############
type configRepr struct {
	Conv          uint32 `toml:"conv"`
	Mtu           int    `toml:"mtu"`
	SndWnd        int    `toml:"snd_wnd"`
	RcvWnd        int    `toml:"rcv_wnd"`
	Stream        bool   `toml:"stream"`
	AckNoDelay    bool   `toml:"ack_no_delay"`
	MetricsListen string `toml:"metrics_listen"`
	NoDelay       struct {
		NoDelay      int `toml:"nodelay"`
		Interval     int `toml:"interval"`
		Resend       int `toml:"resend"`
		NoCongestion int `toml:"nc"`
	} `toml:"nodelay"`
}

func defaultConfigRepr() *configRepr {
	var conf configRepr
	conf.Conv = 0x11223344
	conf.Mtu = 1400
	conf.SndWnd = 32
	conf.RcvWnd = 128
	conf.NoDelay.NoDelay = 0
	conf.NoDelay.Interval = 100
	conf.NoDelay.Resend = 0
	conf.NoDelay.NoCongestion = 0
	return &conf
}

// newConfigRepr loads fpath over the built-in defaults; an empty path
// means defaults only
func newConfigRepr(fpath string) (*configRepr, error) {
	conf := defaultConfigRepr()
	if fpath == "" {
		return conf, nil
	}
	if _, err := toml.DecodeFile(fpath, conf); err != nil {
		return nil, errors.WithStack(err)
	}
	if conf.Mtu < 50 {
		return nil, errors.New("config: mtu below protocol overhead")
	}
	if conf.SndWnd <= 0 || conf.RcvWnd <= 0 {
		return nil, errors.New("config: window sizes must be positive")
	}
	return conf, nil
}
