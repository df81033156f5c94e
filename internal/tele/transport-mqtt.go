package tele

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/teplo/navitele/helpers"
	"github.com/teplo/navitele/log2"
)

const defaultClientId = "navitele"

type transportMqtt struct {
	log    *log2.Log
	m      mqtt.Client
	mopt   *mqtt.ClientOptions
	stopCh chan struct{}

	networkTimeout time.Duration
	connectTimeout time.Duration
	statusTopic    string
}

func (self *transportMqtt) Init(ctx context.Context, log *log2.Log, teleConfig Config, willTopic string, willPayload []byte) error {
	self.log = log
	mqttLog := self.log.Clone(log2.LDebug)
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if teleConfig.MqttLogDebug {
		mqtt.DEBUG = mqttLog
	}

	if teleConfig.MqttBroker == "" {
		return errors.NotValidf("tele mqtt_broker=empty")
	}
	clientId := teleConfig.ClientId
	if clientId == "" {
		clientId = defaultClientId
	}
	credFun := func() (string, string) {
		return teleConfig.MqttUser, teleConfig.MqttPassword
	}
	self.stopCh = make(chan struct{})
	self.statusTopic = willTopic

	self.networkTimeout = helpers.IntSecondDefault(teleConfig.NetworkTimeoutSec, defaultNetworkTimeout)
	if self.networkTimeout < 1*time.Second {
		self.networkTimeout = 1 * time.Second
	}
	self.connectTimeout = self.networkTimeout * 3
	keepaliveTimeout := helpers.IntSecondDefault(teleConfig.KeepaliveSec, self.networkTimeout/2)

	tlsconf := new(tls.Config)
	if teleConfig.TlsCaFile != "" {
		cabytes, err := ioutil.ReadFile(teleConfig.TlsCaFile)
		if err != nil {
			return errors.Annotate(err, "tls ca file")
		}
		tlsconf.RootCAs = x509.NewCertPool()
		tlsconf.RootCAs.AppendCertsFromPEM(cabytes)
	}

	self.mopt = mqtt.NewClientOptions().
		AddBroker(teleConfig.MqttBroker).
		SetAutoReconnect(true).
		SetBinaryWill(willTopic, willPayload, 1, true).
		SetCleanSession(true).
		SetClientID(clientId).
		SetConnectTimeout(self.connectTimeout).
		SetCredentialsProvider(credFun).
		SetKeepAlive(keepaliveTimeout).
		SetMaxReconnectInterval(self.connectTimeout).
		SetOrderMatters(false).
		SetPingTimeout(self.networkTimeout).
		SetTLSConfig(tlsconf).
		SetWriteTimeout(self.networkTimeout).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler)
	self.m = mqtt.NewClient(self.mopt)

	go self.online()
	return nil
}

func (self *transportMqtt) Close() {
	close(self.stopCh)
	if self.m.IsConnected() {
		t := self.m.Publish(self.statusTopic, 1, true, []byte(availabilityOffline))
		_ = self.tokenWait(t, "publish offline")
	}
	self.m.Disconnect(uint(self.networkTimeout / time.Millisecond))
}

func (self *transportMqtt) Publish(topic string, payload []byte, retained bool) bool {
	t := self.m.Publish(topic, 1, retained, payload)
	return self.tokenWait(t, "publish "+topic) == nil
}

func (self *transportMqtt) online() {
	if self.m.IsConnected() {
		return
	}
	backoff := helpers.Backoff{Min: 1 * time.Second, Max: 30 * time.Second, K: 2}
	for self.isRunning() {
		t := self.m.Connect()
		if self.tokenWaitTimeout(t, "connect", self.connectTimeout) == nil {
			break // success path, auto reconnect takes over
		}
		time.Sleep(backoff.DelayAfter(false))
	}
}

func (self *transportMqtt) isRunning() bool {
	select {
	case <-self.stopCh:
		return false
	default:
		return true
	}
}

func (self *transportMqtt) onConnectHandler(c mqtt.Client) {
	self.log.Debugf("tele mqtt connected")
	// a network blip may have fired the will, re-announce availability
	t := c.Publish(self.statusTopic, 1, true, []byte(availabilityOnline))
	_ = self.tokenWait(t, "publish online")
}

func (self *transportMqtt) connectLostHandler(c mqtt.Client, err error) {
	self.log.Debugf("tele mqtt connection lost err=%v", err)
}

func (self *transportMqtt) tokenWait(t mqtt.Token, tag string) error {
	return self.tokenWaitTimeout(t, tag, self.networkTimeout)
}

func (self *transportMqtt) tokenWaitTimeout(t mqtt.Token, tag string, timeout time.Duration) error {
	if !t.WaitTimeout(timeout) {
		err := errors.Timeoutf("%s", tag)
		self.log.Errorf("tele mqtt %s", err.Error())
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotate(err, tag)
		self.log.Errorf("tele mqtt %s", err.Error())
		return err
	}
	return nil
}
