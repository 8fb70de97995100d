// Command nitrusd runs the REST server daemon: a TCP (optionally TLS)
// listener driving restserver.Handler over the module's byte-incremental
// HTTP framing, configured from a TOML file and hot-reloaded via fsnotify.
package main

import (
	"crypto/tls"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"

	"github.com/nitrusio/nitrus/nitruscfg"
	"github.com/nitrusio/nitrus/restserver"
	"github.com/nitrusio/nitrus/socket"
)

func waitSigint() {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	<-signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := nitruscfg.Load(os.Args[1])
	if err != nil {
		log.WithField("error", err).Fatal("Failed to parse config")
	}

	handler := restserver.NewHandler()
	if conf.HTTP.StaticRoot != "" {
		handler.ServeStatic("/", conf.HTTP.StaticRoot)
	}

	var tlsConf *tls.Config
	if conf.HTTP.TLSCert != "" && conf.HTTP.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(conf.HTTP.TLSCert, conf.HTTP.TLSKey)
		if err != nil {
			log.WithField("error", err).Fatal("Failed to load TLS certificate")
		}
		tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	listener := socket.NewListener(conf.HTTP.Listen, tlsConf)
	listener.OnAccept = handler.Serve
	if err := listener.Start(); err != nil {
		log.WithField("error", err).Fatal("Failed to start listener")
	}
	log.WithField("address", listener.Addr()).Info("Listening")

	watcher, err := nitruscfg.WatchFile(os.Args[1])
	if err != nil {
		log.WithField("error", err).Warn("Configuration hot-reload disabled")
	} else {
		go func() {
			for range watcher.Reloaded {
				log.Info("Configuration reloaded; logging settings applied, listener unchanged")
			}
		}()
	}

	waitSigint()
	log.Info("Shutting down..")

	if watcher != nil {
		_ = watcher.Close()
	}
	listener.Close()
}
