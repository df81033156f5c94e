package tele

import (
	"context"
	"fmt"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teplo/navitele/internal/mqttsrv"
	"github.com/teplo/navitele/log2"
)

func TestPublishTopic(t *testing.T) {
	t.Parallel()

	tr := &transportMock{t: t, outBuffer: 8}
	tele := &Tele{transport: tr}
	err := tele.Init(context.Background(), log2.NewTest(t, log2.LDebug), Config{Enabled: true})
	require.NoError(t, err)
	defer tele.Close()

	assert.Equal(t, "pi/waterheater/status", tr.willTopic)
	assert.Equal(t, []byte(availabilityOffline), tr.willPayload)

	require.True(t, tele.Publish("gas/current", "39062"))
	m := <-tr.out
	assert.Equal(t, "pi/waterheater/gas/current", m.topic)
	assert.Equal(t, "39062", string(m.payload))
	assert.True(t, m.retained)
}

func TestCustomPrefix(t *testing.T) {
	t.Parallel()

	tr := &transportMock{t: t, outBuffer: 8}
	tele := &Tele{transport: tr}
	err := tele.Init(context.Background(), log2.NewTest(t, log2.LDebug), Config{
		Enabled:     true,
		TopicPrefix: "home/boiler",
	})
	require.NoError(t, err)
	defer tele.Close()

	assert.Equal(t, "home/boiler/status", tr.willTopic)
	require.True(t, tele.Publish("stage", "active"))
	m := <-tr.out
	assert.Equal(t, "home/boiler/stage", m.topic)
	assert.Equal(t, "active", string(m.payload))
}

func TestDisabled(t *testing.T) {
	t.Parallel()

	tele := &Tele{}
	err := tele.Init(context.Background(), log2.NewTest(t, log2.LDebug), Config{Enabled: false})
	require.NoError(t, err)
	defer tele.Close()

	// no transport behind it, still safe to use
	assert.True(t, tele.Publish("water/capacity", "50"))
	tele.Error(fmt.Errorf("ignored"))
}

func TestDryRun(t *testing.T) {
	t.Parallel()

	tr := &transportMock{t: t, outBuffer: 8}
	tele := &Tele{transport: tr}
	err := tele.Init(context.Background(), log2.NewTest(t, log2.LDebug), Config{
		Enabled: true,
		DryRun:  true,
	})
	require.NoError(t, err)
	defer tele.Close()

	assert.True(t, tele.Publish("water/flow_rate", "2.1"))
	tele.Error(fmt.Errorf("logged not delivered"))
	assert.Len(t, tr.out, 0)
}

func TestError(t *testing.T) {
	t.Parallel()

	tr := &transportMock{t: t, outBuffer: 8}
	tele := &Tele{transport: tr}
	err := tele.Init(context.Background(), log2.NewTest(t, log2.LDebug), Config{Enabled: true})
	require.NoError(t, err)
	defer tele.Close()

	tele.Error(fmt.Errorf("uart gone"))
	m := <-tr.out
	assert.Equal(t, "pi/waterheater/error", m.topic)
	assert.Equal(t, "uart gone", string(m.payload))
	assert.False(t, m.retained)
}

func TestPublishTimeout(t *testing.T) {
	t.Parallel()

	tr := &transportMock{t: t, outBuffer: 0, networkTimeout: 10 * time.Millisecond}
	tele := &Tele{transport: tr}
	err := tele.Init(context.Background(), log2.NewTest(t, log2.LDebug), Config{Enabled: true})
	require.NoError(t, err)
	defer tele.Close()

	// nobody reads tr.out, delivery must give up, not hang
	assert.False(t, tele.Publish("gas/total", "1234.5"))
}

func TestTransportInitErr(t *testing.T) {
	t.Parallel()

	tr := &transportMock{t: t, initErr: fmt.Errorf("no route")}
	tele := &Tele{transport: tr}
	err := tele.Init(context.Background(), log2.NewTest(t, log2.LDebug), Config{Enabled: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tele transport")
}

type testMsg struct {
	topic   string
	payload string
}

// End to end against the embedded broker: real paho transport,
// availability lifecycle, reading delivery, error topic.
func TestMqttRoundTrip(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	log.SetFlags(log2.LTestFlags)

	srv := mqttsrv.NewServer(mqttsrv.Options{
		Log:            log,
		ListenURL:      "tcp://127.0.0.1:",
		Username:       "heater",
		Password:       "testsecret",
		NetworkTimeout: 5 * time.Second,
	})
	require.NoError(t, srv.Listen(context.Background()))
	defer func() { assert.NoError(t, srv.Close()) }()
	brokerURL := "tcp://" + srv.Addr()

	msgs := make(chan testMsg, 32)
	monOpt := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID("test-monitor").
		SetUsername("heater").
		SetPassword("testsecret").
		SetCleanSession(true)
	mon := mqtt.NewClient(monOpt)
	tok := mon.Connect()
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())
	defer mon.Disconnect(100)
	tok = mon.Subscribe("pi/waterheater/#", 1, func(_ mqtt.Client, m mqtt.Message) {
		msgs <- testMsg{topic: m.Topic(), payload: string(m.Payload())}
	})
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())

	tele := &Tele{}
	err := tele.Init(context.Background(), log, Config{
		Enabled:           true,
		MqttBroker:        brokerURL,
		MqttUser:          "heater",
		MqttPassword:      "testsecret",
		NetworkTimeoutSec: 5,
		LogDebug:          true,
		MqttLogDebug:      true,
	})
	require.NoError(t, err)

	expectMsg(t, msgs, "pi/waterheater/status", availabilityOnline)

	require.True(t, tele.Publish("water/flow_rate", "2.1"))
	expectMsg(t, msgs, "pi/waterheater/water/flow_rate", "2.1")

	tele.Error(fmt.Errorf("checksum storm"))
	expectMsg(t, msgs, "pi/waterheater/error", "checksum storm")

	tele.Close()
	expectMsg(t, msgs, "pi/waterheater/status", availabilityOffline)
}

func expectMsg(t testing.TB, ch <-chan testMsg, topic, payload string) {
	t.Helper()
	select {
	case m := <-ch:
		require.Equal(t, topic, m.topic)
		require.Equal(t, payload, m.payload)
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for topic=%s payload=%s", topic, payload)
	}
}
