package tele

import (
	"context"
	"testing"
	"time"

	"github.com/teplo/navitele/log2"
)

type mockPub struct {
	topic    string
	payload  []byte
	retained bool
}

type transportMock struct {
	t              testing.TB
	networkTimeout time.Duration
	outBuffer      int
	out            chan mockPub
	initErr        error
	willTopic      string
	willPayload    []byte
	closed         bool
}

func (self *transportMock) Init(ctx context.Context, log *log2.Log, teleConfig Config, willTopic string, willPayload []byte) error {
	if self.networkTimeout == 0 {
		self.networkTimeout = defaultNetworkTimeout
	}
	self.out = make(chan mockPub, self.outBuffer)
	self.willTopic = willTopic
	self.willPayload = willPayload
	return self.initErr
}

func (self *transportMock) Publish(topic string, payload []byte, retained bool) bool {
	select {
	case self.out <- mockPub{topic: topic, payload: payload, retained: retained}:
		self.t.Logf("mock delivered topic=%s payload=%s", topic, string(payload))
	case <-time.After(self.networkTimeout):
		self.t.Logf("mock network timeout")
		return false
	}
	return true
}

func (self *transportMock) Close() { self.closed = true }
