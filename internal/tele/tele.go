package tele

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/teplo/navitele/log2"
)

const defaultNetworkTimeout = 30 * time.Second

// Retained availability payloads on the status topic.
// The offline value doubles as MQTT last-will so the broker
// flips availability when this process dies ungracefully.
const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// Tele contract:
// - Init fails only with invalid config, network issues ignored
// - Publish blocks at most for the network timeout, reports delivery success
// - readings are periodic, a lost message is replaced by the next cycle
// - Close delivers the offline status while the connection is still up
type Tele struct { //nolint:maligned
	enabled   bool
	dryRun    bool
	log       *log2.Log
	transport Transporter
	prefix    string
	closeOnce sync.Once
}

func (self *Tele) Init(ctx context.Context, log *log2.Log, teleConfig Config) error {
	self.enabled = teleConfig.Enabled
	self.dryRun = teleConfig.DryRun
	self.log = log.Clone(log2.LInfo)
	if teleConfig.LogDebug {
		self.log.SetLevel(log2.LDebug)
	}
	self.prefix = teleConfig.TopicPrefix
	if self.prefix == "" {
		self.prefix = DefaultTopicPrefix
	}
	if !self.enabled {
		return nil
	}
	if self.dryRun {
		self.log.Infof("tele dry-run: publishes are logged, not delivered")
		return nil
	}

	// test code sets .transport
	if self.transport == nil { // production path
		self.transport = &transportMqtt{}
	}
	if err := self.transport.Init(ctx, self.log, teleConfig, self.StatusTopic(), []byte(availabilityOffline)); err != nil {
		return errors.Annotate(err, "tele transport")
	}
	return nil
}

// Close is safe to call more than once, Fatal paths overlap with deferred
// shutdown.
func (self *Tele) Close() {
	self.closeOnce.Do(func() {
		if self.transport != nil {
			self.transport.Close()
		}
	})
}

// Publish delivers one named reading, retained so late subscribers
// see the current state immediately. Returns true when the caller
// may consider the value delivered.
func (self *Tele) Publish(name, value string) bool {
	if !self.enabled {
		return true
	}
	topic := self.prefix + "/" + name
	if self.dryRun {
		self.log.Infof("tele dry-run publish topic=%s payload=%s", topic, value)
		return true
	}
	return self.transport.Publish(topic, []byte(value), true)
}

// Error reports a runtime problem to the error topic, not retained.
// Suitable as log2 error hook, must never call back into logging with
// the hook attached.
func (self *Tele) Error(e error) {
	if e == nil || !self.enabled {
		return
	}
	if self.dryRun {
		self.log.Infof("tele dry-run error=%s", e.Error())
		return
	}
	self.transport.Publish(self.prefix+"/error", []byte(e.Error()), false)
}

func (self *Tele) StatusTopic() string { return self.prefix + "/status" }
