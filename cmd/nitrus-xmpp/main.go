// Command nitrus-xmpp runs an XMPP client session against a configured
// server: dials a TCP connection, drives xmppsession.Session over it, and
// logs incoming presence and messages until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nitrusio/nitrus/nitruscfg"
	"github.com/nitrusio/nitrus/sched"
	"github.com/nitrusio/nitrus/socket"
	"github.com/nitrusio/nitrus/xmppsession"
)

const dialTimeout = 10 * time.Second

func sigintChan() <-chan struct{} {
	signalSyn := make(chan os.Signal, 1)
	signalAck := make(chan struct{})

	signal.Notify(signalSyn, os.Interrupt)

	go func() {
		<-signalSyn
		close(signalAck)
	}()

	return signalAck
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	conf, err := nitruscfg.Load(os.Args[1])
	if err != nil {
		log.WithField("error", err).Fatal("Failed to parse config")
	}

	pipe, err := socket.DialTCP(conf.XMPP.Server, dialTimeout)
	if err != nil {
		log.WithField("error", err).Fatal("Failed to connect")
	}

	scheduler := sched.New()
	ctx, cancel := context.WithCancel(context.Background())
	go scheduler.Run(ctx)

	session := xmppsession.NewSession(pipe, scheduler, conf.XMPP.JID, conf.XMPP.Password)
	session.OnPresenceReceived = func(from, show string) {
		log.WithFields(log.Fields{"from": from, "show": show}).Info("Presence received")
	}
	session.OnMessageReceived = func(from, body string) {
		log.WithFields(log.Fields{"from": from, "body": body}).Info("Message received")
	}
	session.OnLoginFailed = func(err error) {
		log.WithField("error", err).Fatal("Login failed")
	}
	done := make(chan struct{})
	session.OnDisconnected = func() { close(done) }

	session.Start()

	select {
	case <-done:
		log.Warn("Disconnected by peer")
	case <-sigintChan():
		log.Info("Shutting down..")
		_ = pipe.Disconnect()
	}

	cancel()
}
