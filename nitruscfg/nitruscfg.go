// Package nitruscfg loads TOML configuration for the nitrusd and
// nitrus-xmpp daemons and watches the config file for changes with
// fsnotify, mirroring the teacher's tomlConfig-decode-then-apply
// pattern and its fsnotify select-loop idiom.
package nitruscfg

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Config describes the TOML configuration for either daemon.
type Config struct {
	Logging LoggingConf
	HTTP    HTTPConf
	XMPP    XMPPConf
}

// LoggingConf describes the Logging configuration block.
type LoggingConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// HTTPConf describes the REST server's listener and static file root.
type HTTPConf struct {
	Listen     string
	StaticRoot string `toml:"static-root"`
	TLSCert    string `toml:"tls-cert"`
	TLSKey     string `toml:"tls-key"`
}

// XMPPConf describes an outbound XMPP session's connection parameters.
type XMPPConf struct {
	Server   string
	JID      string
	Password string
}

// Load decodes filename into a Config and applies its Logging block to
// the global logrus logger.
func Load(filename string) (*Config, error) {
	var conf Config
	if _, err := toml.DecodeFile(filename, &conf); err != nil {
		return nil, err
	}
	applyLogging(conf.Logging)
	return &conf, nil
}

func applyLogging(conf LoggingConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		log.Warn("Unknown logging format")
	}
}

// Watcher reloads Config whenever filename changes on disk, delivering
// each successfully reloaded Config on Reloaded.
type Watcher struct {
	filename string
	watcher  *fsnotify.Watcher

	Reloaded chan *Config
	Errors   chan error

	closeChan chan struct{}
}

// WatchFile starts watching filename's containing directory (fsnotify
// tracks directories more reliably than a bare file across editors that
// replace-on-save) and reloads Config on every event naming filename.
func WatchFile(filename string) (*Watcher, error) {
	abs, err := filepath.Abs(filename)
	if err != nil {
		return nil, fmt.Errorf("nitruscfg: resolving %s: %w", filename, err)
	}
	filename = abs

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("nitruscfg: starting file watcher: %w", err)
	}

	dir := filepath.Dir(filename)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("nitruscfg: watching %s: %w", dir, err)
	}

	cw := &Watcher{
		filename:  filename,
		watcher:   w,
		Reloaded:  make(chan *Config),
		Errors:    make(chan error),
		closeChan: make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.closeChan:
			return

		case e, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if e.Name != w.filename {
				continue
			}
			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			conf, err := Load(w.filename)
			if err != nil {
				log.WithError(err).WithField("file", w.filename).Warn("Failed to reload configuration")
				w.Errors <- err
				continue
			}
			w.Reloaded <- conf

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("fsnotify errored")
			w.Errors <- err
		}
	}
}

// Close stops watching and releases the underlying fsnotify.Watcher.
func (w *Watcher) Close() error {
	close(w.closeChan)
	return w.watcher.Close()
}
